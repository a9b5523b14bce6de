package api

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"concretepool/internal/auth"
	"concretepool/internal/opt"
	"concretepool/internal/store"
	"concretepool/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Engine *opt.Engine
	Pub    *webhooks.Publisher
	Auth   *auth.Verifier
	Broker EventBroker
	Log    zerolog.Logger
}

// NewServer wires the planning service. If DATABASE_URL is unset it uses the in-memory
// store; if REDIS_URL is unset or unreachable it uses the in-process broker.
func NewServer(engine *opt.Engine, log zerolog.Logger) (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			dir := envOr("DB_MIGRATIONS", "db/migrations")
			if err := sp.MigrateDir(dir); err != nil {
				_ = sp.Close()
				return nil, fmt.Errorf("migrate %s: %w", dir, err)
			}
			log.Info().Str("dir", dir).Msg("migrations applied")
		}
		s = sp
	}
	var broker EventBroker = NewBroker()
	if url := os.Getenv("REDIS_URL"); url != "" {
		rb, err := NewRedisBroker(url, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis broker unavailable, using in-process broker")
		} else {
			broker = rb
		}
	}
	return &Server{
		Store:  s,
		Engine: engine,
		Pub:    webhooks.NewPublisher(s, log),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: broker,
		Log:    log,
	}, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Log.With().Str("component", "webhooks").Logger())
}

// Close releases the store and broker connections.
func (s *Server) Close() error {
	var first error
	for _, c := range []any{s.Broker, s.Store} {
		if cl, ok := c.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
