package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks runs cleanup in registration order once the server has
// stopped accepting requests. A failing hook does not stop the ones after it.
type ShutdownHooks struct {
	hooks []hook
}

// Add registers a hook. The context passed to it carries the shutdown
// deadline. Nil hooks are ignored.
func (s *ShutdownHooks) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// AddCloser registers a hook that closes c.
func (s *ShutdownHooks) AddCloser(name string, c io.Closer) {
	if c == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	s.Add(name, func(context.Context) error {
		return c.Close()
	})
}

// Len returns the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook and returns the joined failures.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	l := log.Ctx(ctx)

	var errs []error
	for _, h := range s.hooks {
		hookLog := l.With().Str("hook", h.name).Logger()

		if err := h.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		hookLog.Info().Msg("shutdown hook complete")
	}

	return errors.Join(errs...)
}
