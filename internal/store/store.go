// Package store persists applicant records and sealed fingerprint templates
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when no applicant matches the identity.
	ErrNotFound = errors.New("applicant not found")
	// ErrDuplicate is returned when registering an identity that exists.
	ErrDuplicate = errors.New("applicant already registered")
	// ErrConflict is returned when a template is already stored for the
	// identity.
	ErrConflict = errors.New("fingerprint already stored for applicant")
)

// Applicant is one enrollable subject.
type Applicant struct {
	ID             string
	IdentityNumber string
	FullName       string
	Enrolled       bool
	CreatedAt      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS applicants (
    id              TEXT PRIMARY KEY,
    identity_number TEXT NOT NULL UNIQUE,
    full_name       TEXT NOT NULL,
    created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fingerprints (
    identity_number TEXT PRIMARY KEY REFERENCES applicants(identity_number),
    template        BLOB NOT NULL,
    quality         INTEGER NOT NULL,
    captured_at     INTEGER NOT NULL
);
`

// Store wraps the SQLite handle.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(t time.Time) int64      { return t.UTC().UnixMilli() }
func fromMillis(v int64) time.Time    { return time.UnixMilli(v).UTC() }
func isUniqueViolation(err error) bool {
	var serr *msqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// CreateApplicant registers a new subject.
func (s *Store) CreateApplicant(ctx context.Context, identityNumber, fullName string) (*Applicant, error) {
	identityNumber = strings.TrimSpace(identityNumber)
	fullName = strings.TrimSpace(fullName)
	if identityNumber == "" {
		return nil, fmt.Errorf("identity number is required")
	}
	if fullName == "" {
		return nil, fmt.Errorf("full name is required")
	}

	a := &Applicant{
		ID:             uuid.NewString(),
		IdentityNumber: identityNumber,
		FullName:       fullName,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO applicants (id, identity_number, full_name, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.IdentityNumber, a.FullName, toMillis(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert applicant: %w", err)
	}
	return a, nil
}

// GetApplicant looks an applicant up by identity number, including whether a
// fingerprint is already on file.
func (s *Store) GetApplicant(ctx context.Context, identityNumber string) (*Applicant, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT a.id, a.identity_number, a.full_name, a.created_at,
       f.identity_number IS NOT NULL
FROM applicants a
LEFT JOIN fingerprints f ON f.identity_number = a.identity_number
WHERE a.identity_number = ?`, strings.TrimSpace(identityNumber))

	var a Applicant
	var created int64
	if err := row.Scan(&a.ID, &a.IdentityNumber, &a.FullName, &created, &a.Enrolled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query applicant: %w", err)
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// ListApplicants returns a page of applicants ordered by registration time.
func (s *Store) ListApplicants(ctx context.Context, limit, offset int) ([]Applicant, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT a.id, a.identity_number, a.full_name, a.created_at,
       f.identity_number IS NOT NULL
FROM applicants a
LEFT JOIN fingerprints f ON f.identity_number = a.identity_number
ORDER BY a.created_at DESC
LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list applicants: %w", err)
	}
	defer rows.Close()

	var out []Applicant
	for rows.Next() {
		var a Applicant
		var created int64
		if err := rows.Scan(&a.ID, &a.IdentityNumber, &a.FullName, &created, &a.Enrolled); err != nil {
			return nil, fmt.Errorf("scan applicant: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// StoreTemplate saves a sealed template for the identity. Returns ErrConflict
// when one is already on file and ErrNotFound when the applicant does not
// exist; anything else is a storage error.
func (s *Store) StoreTemplate(ctx context.Context, identityNumber string, sealed []byte, quality int) error {
	if _, err := s.GetApplicant(ctx, identityNumber); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO fingerprints (identity_number, template, quality, captured_at) VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(identityNumber), sealed, quality, toMillis(time.Now().UTC()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// Template returns the sealed template on file for the identity.
func (s *Store) Template(ctx context.Context, identityNumber string) ([]byte, int, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT template, quality FROM fingerprints WHERE identity_number = ?`,
		strings.TrimSpace(identityNumber))
	var sealed []byte
	var quality int
	if err := row.Scan(&sealed, &quality); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("query fingerprint: %w", err)
	}
	return sealed, quality, nil
}
