package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the PostgreSQL notification channel announcing registry
// swaps to sibling processes.
const NotifyChannel = "taxon_registry_swap"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Listener reloads the registry when another process announces a swap over
// PostgreSQL LISTEN/NOTIFY. It holds its own connection; pooled connections
// cannot sit in LISTEN mode. Only meaningful with the PostgreSQL backend,
// the embedded backend is single-process.
type Listener struct {
	registry *Registry
	dsn      string
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewListener creates a swap listener for the given registry.
func NewListener(dsn string, reg *Registry) *Listener {
	return &Listener{
		registry: reg,
		dsn:      dsn,
		logger:   log.With().Str("component", "registry-listener").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start opens the listening connection and blocks in the reload loop until
// Stop is called or the context is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(l.doneCh)
	}()

	pql := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				l.logger.Warn().Err(err).Msg("Registry listener connection event")
			}
		})
	defer pql.Close()

	if err := pql.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}

	l.logger.Info().Str("channel", NotifyChannel).Msg("Listening for registry swaps")

	for {
		select {
		case n := <-pql.Notify:
			if n == nil {
				// Reconnected; a swap may have landed while disconnected.
				l.reload(ctx, "reconnect")
				continue
			}
			l.reload(ctx, n.Extra)
		case <-time.After(listenerPingInterval):
			go func() { _ = pql.Ping() }()
		case <-l.stopCh:
			l.logger.Info().Msg("Registry listener shutting down due to stop signal")
			return nil
		case <-ctx.Done():
			l.logger.Info().Msg("Registry listener shutting down due to context cancellation")
			return nil
		}
	}
}

// Stop signals the listener to shut down.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// Wait blocks until the listener loop has exited.
func (l *Listener) Wait() {
	<-l.doneCh
}

func (l *Listener) reload(ctx context.Context, payload string) {
	if err := l.registry.Reload(ctx); err != nil {
		l.logger.Error().Err(err).Str("payload", payload).Msg("Failed to reload registry after swap notification")
		return
	}
	l.logger.Debug().Str("payload", payload).Msg("Registry swap notification handled")
}

// Announcer publishes swap notifications so sibling processes reload. Wired
// to Registry.OnSwap by the process that commits batch epochs.
type Announcer struct {
	db *sql.DB
}

// NewAnnouncer opens a single-connection handle used only for pg_notify.
func NewAnnouncer(dsn string) (*Announcer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open announcer connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Announcer{db: db}, nil
}

// Announce broadcasts the new registry version.
func (a *Announcer) Announce(ctx context.Context, version int64) error {
	_, err := a.db.ExecContext(ctx, "SELECT pg_notify($1, $2)",
		NotifyChannel, strconv.FormatInt(version, 10))
	if err != nil {
		return fmt.Errorf("announce registry swap v%d: %w", version, err)
	}
	return nil
}

// Close releases the announcer connection.
func (a *Announcer) Close() error {
	return a.db.Close()
}
