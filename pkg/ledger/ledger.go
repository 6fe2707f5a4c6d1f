package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sovereignos/gsep/core/pkg/canonicalize"
	"github.com/sovereignos/gsep/core/pkg/crypto"
)

var (
	// ErrChainBroken indicates a record's previous_hash does not match the
	// hash of the record before it.
	ErrChainBroken = fmt.Errorf("ledger: chain broken")

	// ErrRecordTampered indicates a record's stored hash does not match the
	// recomputed hash of its contents.
	ErrRecordTampered = fmt.Errorf("ledger: record hash mismatch")

	// ErrBadSignature indicates a record's authority signature failed
	// verification.
	ErrBadSignature = fmt.Errorf("ledger: invalid record signature")
)

// Store persists sealed records. Implementations must be append-only:
// SaveRecord is called exactly once per record, in sequence order.
type Store interface {
	SaveRecord(ctx context.Context, rec *Record) error
	LoadRecords(ctx context.Context) ([]*Record, error)
}

// Ledger appends signed, hash-chained governance records. All methods are
// safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	signer   crypto.Signer
	store    Store
	records  []*Record
	sequence uint64
	headHash string
	clock    func() time.Time
}

// New constructs a ledger backed by the given authority signer. The store
// is optional; when nil, records are held in memory only.
func New(signer crypto.Signer, store Store) (*Ledger, error) {
	if signer == nil {
		return nil, fmt.Errorf("ledger: authority signer is required")
	}
	return &Ledger{
		signer: signer,
		store:  store,
		clock:  time.Now,
	}, nil
}

// WithClock overrides the timestamp source. Intended for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// AppendHalt seals a halt manifest onto the chain.
func (l *Ledger) AppendHalt(ctx context.Context, hm *HaltManifest) (*Record, error) {
	return l.append(ctx, RecordHalt, hm)
}

// AppendCommit seals a committed block onto the chain.
func (l *Ledger) AppendCommit(ctx context.Context, cb *CommittedBlock) (*Record, error) {
	return l.append(ctx, RecordCommit, cb)
}

func (l *Ledger) append(ctx context.Context, rt RecordType, payload any) (*Record, error) {
	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	payloadHash := canonicalize.HashBytes(canonical)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &Record{
		RecordID:     uuid.NewString(),
		Sequence:     l.sequence + 1,
		// Microsecond precision survives every backing store.
		Timestamp:    l.clock().UTC().Truncate(time.Microsecond),
		RecordType:   rt,
		Payload:      json.RawMessage(canonical),
		PayloadHash:  payloadHash,
		PreviousHash: l.headHash,
	}
	rec.Hash, err = recordHash(rec)
	if err != nil {
		return nil, err
	}

	sig, err := l.signer.Sign([]byte(rec.Hash))
	if err != nil {
		return nil, fmt.Errorf("ledger: sign record: %w", err)
	}
	rec.SignerKeyID = l.signer.KeyID()
	rec.Signature = sig

	if l.store != nil {
		if err := l.store.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("ledger: persist record %d: %w", rec.Sequence, err)
		}
	}

	l.sequence = rec.Sequence
	l.headHash = rec.Hash
	l.records = append(l.records, rec)

	slog.Debug("ledger record sealed",
		"sequence", rec.Sequence,
		"record_type", rec.RecordType,
		"hash", rec.Hash)
	return rec, nil
}

// Records returns a copy of the in-memory chain in sequence order.
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// Head returns the most recent record, or nil when the chain is empty.
func (l *Ledger) Head() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return nil
	}
	return l.records[len(l.records)-1]
}

// recordHash computes the canonical hash over every record field except the
// hash itself and the signature envelope.
func recordHash(rec *Record) (string, error) {
	var payload any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return "", fmt.Errorf("ledger: decode payload for hashing: %w", err)
	}
	return canonicalize.CanonicalHash(map[string]any{
		"record_id":     rec.RecordID,
		"sequence":      rec.Sequence,
		// UTC so the hash survives stores that return the session zone.
		"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"record_type":   string(rec.RecordType),
		"payload":       payload,
		"payload_hash":  rec.PayloadHash,
		"previous_hash": rec.PreviousHash,
	})
}

// VerifyChain replays a record sequence, re-deriving every hash and checking
// the authority signature for each record. It returns the index of the first
// invalid record along with a classifying error, or (-1, nil) when the chain
// is intact. An empty chain is trivially valid.
func VerifyChain(records []*Record, authorityPubKeyHex string) (int, error) {
	prev := ""
	for i, rec := range records {
		if rec.PreviousHash != prev {
			return i, fmt.Errorf("%w: record %d previous_hash %q, want %q",
				ErrChainBroken, rec.Sequence, rec.PreviousHash, prev)
		}
		h, err := recordHash(rec)
		if err != nil {
			return i, err
		}
		if h != rec.Hash {
			return i, fmt.Errorf("%w: record %d", ErrRecordTampered, rec.Sequence)
		}
		if canonicalize.HashBytes(rec.Payload) != rec.PayloadHash {
			return i, fmt.Errorf("%w: record %d payload", ErrRecordTampered, rec.Sequence)
		}
		ok, err := crypto.VerifyRaw(authorityPubKeyHex, rec.Signature, []byte(rec.Hash))
		if err != nil {
			return i, fmt.Errorf("ledger: verify record %d: %w", rec.Sequence, err)
		}
		if !ok {
			return i, fmt.Errorf("%w: record %d", ErrBadSignature, rec.Sequence)
		}
		prev = rec.Hash
	}
	return -1, nil
}
