package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists ledger records in an embedded SQLite database. The
// sequence column carries a UNIQUE constraint so a duplicate append is
// rejected at the storage layer rather than silently forking the chain.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path and migrates it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS ledger_records (
        record_id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL UNIQUE,
        timestamp DATETIME NOT NULL,
        record_type TEXT NOT NULL,
        payload JSON NOT NULL,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL,
        signer_key_id TEXT,
        signature TEXT
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	query := `INSERT INTO ledger_records (
        record_id, sequence, timestamp, record_type, payload, payload_hash, prev_hash, hash, signer_key_id, signature
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.RecordID, rec.Sequence, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(rec.RecordType), string(rec.Payload), rec.PayloadHash,
		rec.PreviousHash, rec.Hash, rec.SignerKeyID, rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]*Record, error) {
	query := `
        SELECT record_id, sequence, timestamp, record_type, payload, payload_hash, prev_hash, hash, signer_key_id, signature
        FROM ledger_records
        ORDER BY sequence ASC
    `
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecordRow(row rowScanner) (*Record, error) {
	var (
		recordID    string
		sequence    uint64
		timestamp   string
		recordType  string
		payload     string
		payloadHash string
		prevHash    string
		hash        string
		signerKeyID sql.NullString
		signature   sql.NullString
	)
	if err := row.Scan(&recordID, &sequence, &timestamp, &recordType, &payload,
		&payloadHash, &prevHash, &hash, &signerKeyID, &signature); err != nil {
		return nil, err
	}
	return &Record{
		RecordID:     recordID,
		Sequence:     sequence,
		Timestamp:    parseTime(timestamp),
		RecordType:   RecordType(recordType),
		Payload:      json.RawMessage(payload),
		PayloadHash:  payloadHash,
		PreviousHash: prevHash,
		Hash:         hash,
		SignerKeyID:  signerKeyID.String,
		Signature:    signature.String,
	}, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
