package gateway

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// breaker trips after threshold consecutive failures that point at the
// server itself and stays open for the recovery window. One trial call is let
// through afterwards.
type breaker struct {
	cb *gobreaker.CircuitBreaker

	mu        sync.Mutex
	lastError string
}

func newBreaker(server string, threshold int, recovery time.Duration) *breaker {
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    server,
		Timeout: recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || !countsAsFailure(err) {
				return true
			}
			b.mu.Lock()
			b.lastError = err.Error()
			b.mu.Unlock()
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Warn().Str("server", name).Str("from", from.String()).Msg("Tool server circuit opened")
				return
			}
			log.Info().Str("server", name).Str("state", to.String()).Msg("Tool server circuit changed state")
		},
	})
	return b
}

// run executes fn unless the circuit is open.
func (b *breaker) run(server string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.mu.Lock()
		last := b.lastError
		b.mu.Unlock()
		return &domain.UnavailableError{Server: server, Cause: errors.Errorf("circuit open after repeated failures: %s", last)}
	}
	return err
}

func countsAsFailure(err error) bool {
	var (
		unavailable *domain.UnavailableError
		transport   *domain.TransportError
		timeout     *domain.TimeoutError
		remote      *domain.RemoteError
	)
	switch {
	case errors.As(err, &unavailable), errors.As(err, &transport), errors.As(err, &timeout):
		return true
	case errors.As(err, &remote):
		return remote.Status >= 500
	}
	return false
}
