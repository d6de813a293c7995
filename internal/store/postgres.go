package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// MaxOpenConns caps the store pool opened by Open.
const MaxOpenConns = 10

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
            id          TEXT PRIMARY KEY,
            created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE TABLE IF NOT EXISTS recommendation_batches (
            id                 UUID PRIMARY KEY,
            client_id          TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
            created_at         TIMESTAMPTZ NOT NULL,
            analysis_timestamp TIMESTAMPTZ,
            item_count         INTEGER NOT NULL,
            summary_note       TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_batches_client_created ON recommendation_batches(client_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS recommendation_items (
            id           UUID PRIMARY KEY,
            batch_id     UUID NOT NULL REFERENCES recommendation_batches(id) ON DELETE CASCADE,
            kind         TEXT NOT NULL,
            message      TEXT NOT NULL,
            subject_ref  TEXT,
            priority     INTEGER NOT NULL DEFAULT 0,
            position     INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_items_batch ON recommendation_items(batch_id, position);`,
		`CREATE TABLE IF NOT EXISTS producer_raw_snapshots (
            id             UUID PRIMARY KEY,
            batch_id       UUID NOT NULL REFERENCES recommendation_batches(id) ON DELETE CASCADE,
            client_id      TEXT NOT NULL,
            payload        JSONB NOT NULL,
            fetched_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
            payload_sha256 TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_client ON producer_raw_snapshots(client_id, fetched_at DESC);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Batch is one immutable snapshot of recommendation output for a client.
type Batch struct {
	ID                string     `json:"batchId"`
	ClientID          string     `json:"clientId"`
	CreatedAt         time.Time  `json:"createdAt"`
	AnalysisTimestamp *time.Time `json:"analysisTimestamp,omitempty"`
	ItemCount         int        `json:"itemCount"`
	SummaryNote       *string    `json:"summaryNote,omitempty"`
}

type Item struct {
	ID         string  `json:"id"`
	BatchID    string  `json:"batchId"`
	Kind       string  `json:"kind"`
	Message    string  `json:"message"`
	SubjectRef *string `json:"subjectRef"`
	Priority   int     `json:"priority"`
}

type ItemInput struct {
	Kind       string
	Message    string
	SubjectRef string
	Priority   int
}

type BatchInput struct {
	ClientID          string
	CreatedAt         time.Time
	AnalysisTimestamp *time.Time
	SummaryNote       string
	Items             []ItemInput
	// Raw producer response kept for audit; optional.
	PayloadJSON []byte
}

func (s *Store) UpsertClient(ctx context.Context, clientID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO clients (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, clientID)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// ListClientIDs returns up to limit identifiers strictly after the cursor, in
// ascending order. An empty cursor starts from the beginning.
func (s *Store) ListClientIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM clients WHERE id > $1 ORDER BY id ASC LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return ids, nil
}

// LatestBatch returns the most recent batch of a client, or nil when none exists.
func (s *Store) LatestBatch(ctx context.Context, clientID string) (*Batch, error) {
	var (
		b        Batch
		analysis sql.NullTime
		note     sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT id, client_id, created_at, analysis_timestamp, item_count, summary_note
          FROM recommendation_batches
         WHERE client_id = $1
         ORDER BY created_at DESC
         LIMIT 1`, clientID,
	).Scan(&b.ID, &b.ClientID, &b.CreatedAt, &analysis, &b.ItemCount, &note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest batch: %w", err)
	}
	if analysis.Valid {
		t := analysis.Time
		b.AnalysisTimestamp = &t
	}
	if note.Valid {
		n := note.String
		b.SummaryNote = &n
	}
	return &b, nil
}

func (s *Store) BatchItems(ctx context.Context, batchID string) ([]Item, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT id, batch_id, kind, message, subject_ref, priority
          FROM recommendation_items
         WHERE batch_id = $1
         ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var (
			it  Item
			ref sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.BatchID, &it.Kind, &it.Message, &ref, &it.Priority); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if ref.Valid {
			r := ref.String
			it.SubjectRef = &r
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
}

// WriteBatch writes a batch, its items and the raw payload in one transaction.
// Either everything commits or nothing is visible.
func (s *Store) WriteBatch(ctx context.Context, in BatchInput) (Batch, error) {
	var b Batch
	if s.DB == nil {
		return b, errors.New("nil db")
	}
	if in.ClientID == "" {
		return b, errors.New("write batch: empty client id")
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	b = Batch{
		ID:                uuid.NewString(),
		ClientID:          in.ClientID,
		CreatedAt:         createdAt.UTC(),
		AnalysisTimestamp: in.AnalysisTimestamp,
		ItemCount:         len(in.Items),
	}
	if in.SummaryNote != "" {
		note := in.SummaryNote
		b.SummaryNote = &note
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO clients (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, b.ClientID); err != nil {
		return Batch{}, fmt.Errorf("upsert client: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
        INSERT INTO recommendation_batches (id, client_id, created_at, analysis_timestamp, item_count, summary_note)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.ClientID, b.CreatedAt, nullTime(in.AnalysisTimestamp), b.ItemCount, nullString(in.SummaryNote),
	); err != nil {
		return Batch{}, fmt.Errorf("insert batch: %w", err)
	}

	for i, it := range in.Items {
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO recommendation_items (id, batch_id, kind, message, subject_ref, priority, position)
            VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), b.ID, it.Kind, it.Message, nullString(it.SubjectRef), it.Priority, i,
		); err != nil {
			return Batch{}, fmt.Errorf("insert item %d: %w", i, err)
		}
	}

	if len(in.PayloadJSON) > 0 {
		sum := sha256.Sum256(in.PayloadJSON)
		if _, err = tx.ExecContext(ctx, `
            INSERT INTO producer_raw_snapshots (id, batch_id, client_id, payload, payload_sha256)
            VALUES ($1,$2,$3,$4,$5)`,
			uuid.NewString(), b.ID, b.ClientID, string(in.PayloadJSON), hex.EncodeToString(sum[:]),
		); err != nil {
			return Batch{}, fmt.Errorf("insert raw snapshot: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return Batch{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
