package stm

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// defaultMaxHistory is spec.md §6's documented default for max-history.
const defaultMaxHistory = 10

type config struct {
	maxHistory int
	logger     *slog.Logger
	id         uuid.UUID
}

func defaultConfig() config {
	return config{
		maxHistory: defaultMaxHistory,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		id:         uuid.New(),
	}
}

// Option is a functional option for NewWorld, the same pattern the teacher
// uses for MVCCMap (options.go).
type Option func(*config)

// WithMaxHistory sets H, the per-ref history capacity of spec.md §6. Must
// be positive; NewWorld panics on a non-positive value since it is a
// construction-time programmer error, not a runtime condition.
func WithMaxHistory(h int) Option {
	return func(c *config) { c.maxHistory = h }
}

// WithLogger sets the *slog.Logger the world logs commits and retries to.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithID pins the world's UUID, overriding the random one NewWorld
// otherwise assigns. Useful for deterministic test and log output when
// running multiple independent worlds in one process (spec.md §9).
func WithID(id uuid.UUID) Option {
	return func(c *config) { c.id = id }
}
