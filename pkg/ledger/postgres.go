package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists ledger records in PostgreSQL for shared deployments
// where multiple kernel replicas replay the same chain.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects using a lib/pq DSN and migrates the schema.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: postgres unreachable: %w", err)
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS ledger_records (
        record_id TEXT PRIMARY KEY,
        sequence BIGINT NOT NULL UNIQUE,
        timestamp TIMESTAMPTZ NOT NULL,
        record_type TEXT NOT NULL,
        payload TEXT NOT NULL,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL,
        signer_key_id TEXT,
        signature TEXT
    )`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *Record) error {
	query := `
        INSERT INTO ledger_records (record_id, sequence, timestamp, record_type, payload, payload_hash, prev_hash, hash, signer_key_id, signature)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	_, err := s.db.ExecContext(ctx, query,
		rec.RecordID, rec.Sequence, rec.Timestamp.UTC(), string(rec.RecordType),
		string(rec.Payload), rec.PayloadHash, rec.PreviousHash, rec.Hash,
		rec.SignerKeyID, rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger record: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRecords(ctx context.Context) ([]*Record, error) {
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
		var (
			rec         Record
			recordType  string
			payload     string
			signerKeyID sql.NullString
			signature   sql.NullString
		)
		if err := rows.Scan(&rec.RecordID, &rec.Sequence, &rec.Timestamp, &recordType,
			&payload, &rec.PayloadHash, &rec.PreviousHash, &rec.Hash,
			&signerKeyID, &signature); err != nil {
			return nil, err
		}
		rec.RecordType = RecordType(recordType)
		rec.Payload = json.RawMessage(payload)
		rec.SignerKeyID = signerKeyID.String
		rec.Signature = signature.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
