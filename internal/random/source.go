// Package random provides the randomness source strategies for draws.
//
// Two modes exist. The synchronous source hands the number back at request
// time; it is deterministic for whoever controls the entropy function and is
// therefore confined to test and development wiring. The asynchronous source
// issues an opaque request token and delivers the value later through a
// fulfillment callback, which is the only resumption path for a production
// draw.
package random

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects the draw-completion strategy.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

var (
	// ErrRequestOutstanding is returned when a request is issued while one
	// is already pending.
	ErrRequestOutstanding = errors.New("randomness request already outstanding")
	// ErrUnknownRequest is returned for a fulfillment that does not match
	// the outstanding request.
	ErrUnknownRequest = errors.New("unknown randomness request")
)

// Result is the outcome of a randomness request. Immediate results carry the
// value; deferred results carry the request token the fulfillment must quote.
type Result struct {
	Immediate bool
	Value     uint64
	RequestID string
}

// Source issues randomness requests for draw completion.
type Source interface {
	Mode() Mode
	Request(ctx context.Context, epochID int64) (Result, error)
}

// Entropy produces a random number for the synchronous source.
type Entropy func() (uint64, error)

// CryptoEntropy reads from crypto/rand.
func CryptoEntropy() (uint64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read entropy: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// FixedEntropy always returns value. Test helper.
func FixedEntropy(value uint64) Entropy {
	return func() (uint64, error) { return value, nil }
}

// QueueEntropy returns the given values in order, then fails. Test helper.
func QueueEntropy(values ...uint64) Entropy {
	i := 0
	return func() (uint64, error) {
		if i >= len(values) {
			return 0, errors.New("entropy queue exhausted")
		}
		v := values[i]
		i++
		return v, nil
	}
}

// SyncSource returns the random number within the Request call itself.
type SyncSource struct {
	mu      sync.Mutex
	entropy Entropy
}

// NewSyncSource creates a synchronous source. A nil entropy defaults to
// crypto/rand.
func NewSyncSource(entropy Entropy) *SyncSource {
	if entropy == nil {
		entropy = CryptoEntropy
	}
	return &SyncSource{entropy: entropy}
}

// Mode reports ModeSync.
func (s *SyncSource) Mode() Mode { return ModeSync }

// Request returns an immediate result.
func (s *SyncSource) Request(ctx context.Context, epochID int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.entropy()
	if err != nil {
		return Result{}, fmt.Errorf("synchronous randomness: %w", err)
	}
	return Result{Immediate: true, Value: value}, nil
}

// FulfillHandler receives asynchronously delivered randomness.
type FulfillHandler func(ctx context.Context, requestID string, value uint64) error

// AsyncSource issues request tokens and delivers values through Fulfill.
// Exactly one request may be outstanding at a time.
type AsyncSource struct {
	mu          sync.Mutex
	outstanding string
	epochID     int64
	requestedAt time.Time
	handler     FulfillHandler
}

// NewAsyncSource creates an asynchronous source.
func NewAsyncSource() *AsyncSource {
	return &AsyncSource{}
}

// Mode reports ModeAsync.
func (s *AsyncSource) Mode() Mode { return ModeAsync }

// OnFulfilled registers the handler invoked when a request is fulfilled.
func (s *AsyncSource) OnFulfilled(h FulfillHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Request issues a new randomness request token.
func (s *AsyncSource) Request(ctx context.Context, epochID int64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRequestOutstanding, s.outstanding)
	}
	s.outstanding = uuid.NewString()
	s.epochID = epochID
	s.requestedAt = time.Now().UTC()
	return Result{RequestID: s.outstanding}, nil
}

// Outstanding returns the pending request token, empty when none.
func (s *AsyncSource) Outstanding() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Fulfill delivers the value for the outstanding request and forwards it to
// the registered handler. Uncorrelated fulfillments are rejected without
// clearing the pending request, and a handler failure keeps the request
// outstanding so the delivery can be retried.
func (s *AsyncSource) Fulfill(ctx context.Context, requestID string, value uint64) error {
	s.mu.Lock()
	if s.outstanding == "" || s.outstanding != requestID {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return errors.New("no fulfillment handler registered")
	}
	if err := handler(ctx, requestID, value); err != nil {
		return err
	}

	s.mu.Lock()
	if s.outstanding == requestID {
		s.outstanding = ""
	}
	s.mu.Unlock()
	return nil
}

// Cancel clears the outstanding request if it matches requestID. Used by the
// stall-timeout sweep.
func (s *AsyncSource) Cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding != requestID {
		return false
	}
	s.outstanding = ""
	return true
}
