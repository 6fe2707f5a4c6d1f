// Package audit provides the best-effort observational trail of pipeline
// activity. Unlike the ledger, which is authoritative and must accept every
// halt manifest, the audit stream may drop events under pressure; governance
// decisions never block on it.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventStageEnter EventType = "STAGE_ENTER"
	EventStageHalt  EventType = "STAGE_HALT"
	EventCommit     EventType = "COMMIT"
	EventConsensus  EventType = "CONSENSUS"
	EventPolicy     EventType = "POLICY"
)

// Event is a structured audit record. PayloadHash is the canonical hash of
// Payload so downstream consumers can detect corruption in transit.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	ProposalID  string         `json:"proposal_id,omitempty"`
	StageIndex  int            `json:"stage_index"`
	StageName   string         `json:"stage_name,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
}

// Sink receives audit events. Implementations must tolerate concurrent calls.
type Sink interface {
	Write(ctx context.Context, evt Event) error
}

// Emitter fans events out to its sinks. Sink failures are logged and the
// event is dropped; a rate limiter bounds the write pressure a hot pipeline
// can put on slow sinks.
type Emitter struct {
	sinks   []Sink
	limiter *rate.Limiter
	dropped uint64
	mu      sync.Mutex
}

// NewEmitter constructs an emitter over the given sinks. eventsPerSecond
// bounds emission; zero or negative means unlimited.
func NewEmitter(eventsPerSecond float64, sinks ...Sink) *Emitter {
	limit := rate.Inf
	burst := 1
	if eventsPerSecond > 0 {
		limit = rate.Limit(eventsPerSecond)
		burst = int(eventsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Emitter{
		sinks:   sinks,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Emit records an event. It never blocks and never returns an error: an
// over-limit or failing sink costs the event, not the caller.
func (e *Emitter) Emit(ctx context.Context, evt Event) {
	if !e.limiter.Allow() {
		e.drop(evt, "rate limited")
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Payload != nil && evt.PayloadHash == "" {
		if h, err := canonicalize.CanonicalHash(evt.Payload); err == nil {
			evt.PayloadHash = h
		}
	}
	for _, sink := range e.sinks {
		if err := sink.Write(ctx, evt); err != nil {
			e.drop(evt, err.Error())
		}
	}
}

// Dropped reports how many sink writes have been lost so far.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) drop(evt Event, reason string) {
	e.mu.Lock()
	e.dropped++
	e.mu.Unlock()
	slog.Warn("audit event dropped",
		"event_type", evt.Type,
		"proposal_id", evt.ProposalID,
		"reason", reason)
}

// WriterSink emits events as prefixed JSON lines, one per event.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink wraps w; nil falls back to os.Stdout.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Write(_ context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// MemorySink retains events in order. Intended for tests and the console.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
