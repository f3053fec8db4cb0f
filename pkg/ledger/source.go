package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/tracegrid/tracegrid/pkg/model"
)

// CommitEvent is one ledger commit with the state changes it produced.
type CommitEvent struct {
	Commit  model.Commit        `json:"commit"`
	Changes []model.StateChange `json:"changes"`
}

// Source delivers commit events in ledger order. The channel is closed when
// the source is exhausted.
type Source interface {
	Events() <-chan CommitEvent
}

// ErrSourceClosed is returned when publishing to a closed ChanSource.
var ErrSourceClosed = errors.New("commit source is closed")

// ChanSource is a Source backed by a buffered channel.
type ChanSource struct {
	mu     sync.RWMutex
	ch     chan CommitEvent
	closed bool
}

// NewChanSource returns a source buffering up to size events.
func NewChanSource(size int) *ChanSource {
	if size < 0 {
		size = 0
	}
	return &ChanSource{ch: make(chan CommitEvent, size)}
}

// Events implements Source.
func (s *ChanSource) Events() <-chan CommitEvent {
	return s.ch
}

// Publish enqueues an event, waiting for buffer space until ctx is done.
func (s *ChanSource) Publish(ctx context.Context, ev CommitEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSourceClosed
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Events already published are still delivered.
func (s *ChanSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
