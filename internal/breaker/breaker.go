// Package breaker tracks per-project sync failures and suspends work on
// projects that keep failing, protecting the external trackers from
// hammering.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// ErrOpen is returned when a project's breaker refuses work.
var ErrOpen = errors.New("circuit breaker open")

// Set manages one circuit breaker per project. After `threshold`
// consecutive failures a project goes Open for `cooldown`; HalfOpen admits
// a single probe, whose outcome closes or reopens the breaker.
type Set struct {
	threshold uint32
	cooldown  time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSet creates a breaker set.
func NewSet(threshold int, cooldown time.Duration, log *zap.Logger) *Set {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Set{
		threshold: uint32(threshold),
		cooldown:  cooldown,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// forProject returns (creating if needed) the breaker for a project.
func (s *Set) forProject(project string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[project]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        project,
		MaxRequests: 1, // HalfOpen admits a single probe
		Timeout:     s.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state change",
				zap.String("project", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	s.breakers[project] = cb
	return cb
}

// Do runs fn under the project's breaker. When the breaker is open the
// call is refused with a RateLimited-class error so callers back off
// instead of counting it as a project failure.
func (s *Set) Do(project string, fn func() error) error {
	cb := s.forProject(project)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return syncerr.New(syncerr.RateLimited, "breaker "+project, ErrOpen)
	}
	return err
}

// Allows reports whether the project's breaker would currently admit work.
func (s *Set) Allows(project string) bool {
	return s.forProject(project).State() != gobreaker.StateOpen
}

// State returns the breaker state name for a project.
func (s *Set) State(project string) string {
	return s.forProject(project).State().String()
}

// States snapshots all known breaker states for the operator surface.
func (s *Set) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for project, cb := range s.breakers {
		out[project] = cb.State().String()
	}
	return out
}
