package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sovereignos/gsep/core/pkg/audit"
	"github.com/sovereignos/gsep/core/pkg/crypto"
	"github.com/sovereignos/gsep/core/pkg/ledger"
)

func TestWriterSink_EmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := audit.NewEmitter(0, audit.NewWriterSink(&buf))

	emitter.Emit(context.Background(), audit.Event{
		Type:       audit.EventStageEnter,
		ProposalID: "prop-1",
		StageIndex: 2,
		StageName:  "VET_LOCK_B",
		Payload:    map[string]any{"state_ref": "ref-a"},
	})

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))
	var evt audit.Event
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &evt))

	assert.Equal(t, audit.EventStageEnter, evt.Type)
	assert.Equal(t, "prop-1", evt.ProposalID)
	assert.Equal(t, "VET_LOCK_B", evt.StageName)
	assert.NotEmpty(t, evt.ID)
	assert.Len(t, evt.ID, 36)
	assert.Len(t, evt.PayloadHash, 64)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestEmitter_SinkFailureDoesNotPropagate(t *testing.T) {
	failing := sinkFunc(func(context.Context, audit.Event) error {
		return errors.New("sink down")
	})
	mem := audit.NewMemorySink()
	emitter := audit.NewEmitter(0, failing, mem)

	emitter.Emit(context.Background(), audit.Event{Type: audit.EventCommit, ProposalID: "p"})

	assert.Equal(t, uint64(1), emitter.Dropped())
	// The healthy sink still received the event.
	require.Len(t, mem.Events(), 1)
	assert.Equal(t, audit.EventCommit, mem.Events()[0].Type)
}

func TestEmitter_RateLimitDropsExcess(t *testing.T) {
	mem := audit.NewMemorySink()
	emitter := audit.NewEmitter(1, mem)

	for i := 0; i < 10; i++ {
		emitter.Emit(context.Background(), audit.Event{Type: audit.EventPolicy})
	}

	assert.LessOrEqual(t, len(mem.Events()), 2)
	assert.GreaterOrEqual(t, emitter.Dropped(), uint64(8))
}

type sinkFunc func(context.Context, audit.Event) error

func (f sinkFunc) Write(ctx context.Context, evt audit.Event) error { return f(ctx, evt) }

func exportFixture(t *testing.T) (ledger.Store, string) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("ledger-authority")
	require.NoError(t, err)
	store := &memStore{}
	l, err := ledger.New(signer, store)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = l.AppendHalt(ctx, &ledger.HaltManifest{
		ProposalID: "prop-1", HaltCode: "HALT_L1_VETO", StateRef: "ref-a",
	})
	require.NoError(t, err)
	_, err = l.AppendCommit(ctx, &ledger.CommittedBlock{
		ProposalID: "prop-2", StateRef: "ref-a", Verdict: "PASS",
	})
	require.NoError(t, err)
	return store, signer.PublicKeyHex()
}

func TestExporter_GeneratePack_Success(t *testing.T) {
	store, pubKey := exportFixture(t)
	exporter := audit.NewExporter(store, pubKey)

	zipBytes, checksum, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: time.Now().Add(-24 * time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, zipBytes)
	assert.Len(t, checksum, 64)
}

func TestExporter_GeneratePack_InvalidTimeRange(t *testing.T) {
	store, pubKey := exportFixture(t)
	exporter := audit.NewExporter(store, pubKey)

	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_GeneratePack_FailClosedWithoutStore(t *testing.T) {
	exporter := audit.NewExporter(nil, "")
	_, _, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}

func TestExporter_GeneratePack_RefusesTamperedChain(t *testing.T) {
	store, pubKey := exportFixture(t)
	records, err := store.LoadRecords(context.Background())
	require.NoError(t, err)
	records[0].Payload = json.RawMessage(`{"halt_code":"FORGED"}`)

	exporter := audit.NewExporter(store, pubKey)
	_, _, err = exporter.GeneratePack(context.Background(), audit.ExportRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrRecordTampered)
}

type memStore struct {
	records []*ledger.Record
}

func (m *memStore) SaveRecord(_ context.Context, rec *ledger.Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) LoadRecords(context.Context) ([]*ledger.Record, error) {
	return m.records, nil
}
