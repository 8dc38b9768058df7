// Package records persists evaluations served over HTTP in SQLite.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// timeLayout is fixed width so created_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one row of evaluation_records. The image itself is not stored;
// its name and digest identify it.
type Record struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	ImageName   string    `json:"image_name"`
	ImageSHA256 string    `json:"image_sha256"`
	FinalAnswer string    `json:"final_answer"`
	Evidence    string    `json:"evidence"`
	SelfCheck   string    `json:"self_check"`
	ModelAnswer string    `json:"model_answer"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store reads and writes evaluation records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and ensures the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the table and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evaluation_records (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			image_name TEXT,
			image_sha256 TEXT,
			final_answer TEXT NOT NULL,
			evidence TEXT,
			self_check TEXT,
			model_answer TEXT,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create evaluation_records table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_evaluation_records_created ON evaluation_records(created_at)"); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Save inserts rec, filling in ID and CreatedAt when they are empty.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_records
			(id, question, image_name, image_sha256, final_answer, evidence, self_check, model_answer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Question, rec.ImageName, rec.ImageSHA256, rec.FinalAnswer,
		rec.Evidence, rec.SelfCheck, rec.ModelAnswer, rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation record: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, image_name, image_sha256, final_answer, evidence, self_check, model_answer, created_at
		FROM evaluation_records
		ORDER BY created_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query evaluation records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                                                   Record
			imageName, imageSHA, evidence, selfCheck, modelAnswer sql.NullString
			created                                               string
		)
		if err := rows.Scan(&rec.ID, &rec.Question, &imageName, &imageSHA, &rec.FinalAnswer,
			&evidence, &selfCheck, &modelAnswer, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation record: %w", err)
		}
		rec.ImageName = imageName.String
		rec.ImageSHA256 = imageSHA.String
		rec.Evidence = evidence.String
		rec.SelfCheck = selfCheck.String
		rec.ModelAnswer = modelAnswer.String
		if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluation records: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
