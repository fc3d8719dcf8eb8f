package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/taxon/pkg/models"
)

// TemplateDoc is a Markdown prompt template with YAML frontmatter. The body
// is the prompt text; frontmatter becomes record metadata.
type TemplateDoc struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Body        string   `yaml:"-"`
}

// ParseTemplate splits YAML frontmatter from the Markdown body. A document
// without a frontmatter block is all body.
func ParseTemplate(r io.Reader) (*TemplateDoc, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, bufio.MaxScanTokenSize), maxJSONLLineSize)

	var (
		frontmatter   strings.Builder
		body          strings.Builder
		inFrontmatter bool
		seenAny       bool
		closed        bool
	)

	for scanner.Scan() {
		line := scanner.Text()

		if !seenAny && strings.TrimSpace(line) == "" {
			continue
		}
		if !seenAny {
			seenAny = true
			if strings.TrimSpace(line) == "---" {
				inFrontmatter = true
				continue
			}
		}

		if inFrontmatter {
			if strings.TrimSpace(line) == "---" {
				inFrontmatter = false
				closed = true
				continue
			}
			frontmatter.WriteString(line)
			frontmatter.WriteByte('\n')
			continue
		}

		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if inFrontmatter && !closed {
		return nil, fmt.Errorf("unterminated frontmatter block")
	}

	doc := &TemplateDoc{}
	if frontmatter.Len() > 0 {
		if err := yaml.Unmarshal([]byte(frontmatter.String()), doc); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}
	doc.Body = strings.TrimSpace(body.String())
	return doc, nil
}

// IngestTemplateFile parses a template file and stores its body as one
// prompt record, carrying the frontmatter as metadata.
func (s *Service) IngestTemplateFile(ctx context.Context, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	doc, err := ParseTemplate(file)
	if err != nil {
		return nil, err
	}
	if doc.Body == "" {
		return nil, ErrEmptyPrompt
	}

	metadata := make(map[string]string)
	if doc.Name != "" {
		metadata["template_name"] = doc.Name
	}
	if doc.Description != "" {
		metadata["template_description"] = doc.Description
	}
	if len(doc.Tags) > 0 {
		metadata["template_tags"] = strings.Join(doc.Tags, ",")
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return s.IngestText(ctx, doc.Body, models.SourceTemplate, metadata)
}
