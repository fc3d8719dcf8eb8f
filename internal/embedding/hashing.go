package embedding

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/taxon/internal/config"
	"github.com/thebtf/taxon/internal/similarity"
)

const (
	// HashingModelVersion identifies the local deterministic model.
	HashingModelVersion = "hashing-v1"

	trigramSize = 3
)

func init() {
	RegisterModel(ModelMetadata{
		Name:        "Feature Hashing",
		Version:     HashingModelVersion,
		Dimensions:  config.DefaultEmbeddingDimensions,
		Description: "Deterministic local model hashing BPE tokens and character trigrams into a fixed-dimension space",
		Default:     true,
	}, newHashingModel)
}

// hashingModel embeds text by feature-hashing its BPE token ids plus
// character trigrams into a fixed-dimension vector, then L2-normalizing.
// It needs no network or model weights, and the same text always produces
// the same vector, which keeps clustering runs reproducible.
//
// Trigrams give morphological overlap ("summarize"/"summary" share features)
// that raw token ids alone would miss.
type hashingModel struct {
	codec tokenizer.Codec
	dims  int
}

func newHashingModel() (EmbeddingModel, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base tokenizer: %w", err)
	}

	dims := config.Get().EmbeddingDimensions
	if dims <= 0 {
		dims = config.DefaultEmbeddingDimensions
	}

	return &hashingModel{codec: codec, dims: dims}, nil
}

func (m *hashingModel) Name() string    { return "Feature Hashing" }
func (m *hashingModel) Version() string { return HashingModelVersion }
func (m *hashingModel) Dimensions() int { return m.dims }
func (m *hashingModel) Close() error    { return nil }

func (m *hashingModel) Embed(text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	ids, _, err := m.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenize text: %w", err)
	}

	vec := make([]float32, m.dims)

	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		m.addFeature(vec, buf[:])
	}

	runes := []rune(text)
	for i := 0; i+trigramSize <= len(runes); i++ {
		m.addFeature(vec, []byte(string(runes[i:i+trigramSize])))
	}

	similarity.NormalizeInPlace(vec)
	return vec, nil
}

func (m *hashingModel) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(text)
		if err != nil {
			return nil, fmt.Errorf("embed batch item %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

// addFeature hashes one feature into its bucket. The low bits pick the
// dimension and bit 63 picks the sign, the usual hashing-trick construction
// that keeps the expected dot-product contribution of colliding features zero.
func (m *hashingModel) addFeature(vec []float32, data []byte) {
	h := fnv.New64a()
	_, _ = h.Write(data)
	sum := h.Sum64()

	idx := int(sum % uint64(m.dims))
	if sum&(1<<63) != 0 {
		vec[idx] -= 1
	} else {
		vec[idx] += 1
	}
}
