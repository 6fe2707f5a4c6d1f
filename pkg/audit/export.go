package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sovereignos/gsep/core/pkg/ledger"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing store.
	ErrStoreNotConfigured = errors.New("audit: ledger store not configured (fail-closed)")
)

// ExportRequest bounds which ledger records go into an evidence pack.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter assembles evidence packs from the governance ledger: a zip of the
// record chain plus a manifest, suitable for an external reviewer to replay
// the chain offline.
type Exporter struct {
	store        ledger.Store
	authorityKey string
}

// NewExporter builds an exporter. authorityPubKeyHex is embedded in the pack
// manifest so the reviewer knows which key to verify against.
func NewExporter(store ledger.Store, authorityPubKeyHex string) *Exporter {
	return &Exporter{store: store, authorityKey: authorityPubKeyHex}
}

// GeneratePack loads the matching records, verifies the chain, and returns
// the zipped pack plus its sha256 checksum. A chain that fails verification
// aborts the export: evidence packs never contain a known-bad chain.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	all, err := e.store.LoadRecords(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: load records: %w", err)
	}
	if idx, err := ledger.VerifyChain(all, e.authorityKey); err != nil {
		return nil, "", fmt.Errorf("audit: chain invalid at record %d: %w", idx, err)
	}

	var records []*ledger.Record
	for _, rec := range all {
		if !req.StartTime.IsZero() && rec.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && rec.Timestamp.After(req.EndTime) {
			continue
		}
		records = append(records, rec)
	}

	recordsJSON, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, "", err
	}

	chainHead := ""
	if len(all) > 0 {
		chainHead = all[len(all)-1].Hash
	}
	manifest := map[string]interface{}{
		"generated_at":  time.Now().UTC(),
		"record_count":  len(records),
		"chain_head":    chainHead,
		"authority_key": e.authorityKey,
		"period": map[string]interface{}{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("records.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(recordsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Governance Evidence Pack\nGenerated at %s\nVerify records.json against authority key %s\n",
		time.Now().UTC().Format(time.RFC3339), e.authorityKey)

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}
