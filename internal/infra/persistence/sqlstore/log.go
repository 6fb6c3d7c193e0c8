// Package sqlstore implements the migration log on database/sql. Records are
// stored as JSON payloads next to the indexed state column; a partial unique
// index on state = 'OPEN' enforces the single-open invariant in the database
// itself so it holds across processes.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicalcore/pkg/domain"
)

var _ domain.MigrationLog = (*MigrationLog)(nil)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// PayloadType is the column type used for the JSON payload.
	PayloadType string
	// IsUniqueViolation classifies driver errors raised by unique indexes.
	IsUniqueViolation func(error) bool
}

// QuestionMarks renders "?" placeholders.
func QuestionMarks(int) string { return "?" }

// DollarNumbers renders "$n" placeholders.
func DollarNumbers(n int) string { return fmt.Sprintf("$%d", n) }

const table = "dictionary_migrations"

// Schema returns the DDL statements for the dialect.
func Schema(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	stage TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	payload %s NOT NULL
)`, table, d.PayloadType),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_single_open ON %s (state) WHERE state = 'OPEN'`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created ON %s (created_at, id)`, table, table),
	}
}

// MigrationLog is a domain.MigrationLog backed by a SQL database.
type MigrationLog struct {
	db  *sql.DB
	d   Dialect
	now func() time.Time
}

// New applies the schema and returns a log over db.
func New(ctx context.Context, db *sql.DB, d Dialect) (*MigrationLog, error) {
	for _, stmt := range Schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply migration log schema: %w", d.Name, err)
		}
	}
	return &MigrationLog{db: db, d: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the handle for callers that own its lifecycle.
func (l *MigrationLog) DB() *sql.DB { return l.db }

// Close closes the database handle.
func (l *MigrationLog) Close() error { return l.db.Close() }

func (l *MigrationLog) bind(query string) string {
	n := 0
	var b strings.Builder
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(l.d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *MigrationLog) isConflict(err error) bool {
	return l.d.IsUniqueViolation != nil && l.d.IsUniqueViolation(err)
}

func (l *MigrationLog) conflict(ctx context.Context) error {
	open, ok, findErr := l.FindOpen(ctx)
	if findErr != nil || !ok {
		return domain.StateConflictError{}
	}
	return domain.StateConflictError{OpenMigrationID: open.ID}
}

func (l *MigrationLog) Create(ctx context.Context, m domain.DictionaryMigration) (domain.DictionaryMigration, error) {
	now := l.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	payload, err := json.Marshal(m)
	if err != nil {
		return domain.DictionaryMigration{}, fmt.Errorf("encode migration %s: %w", m.ID, err)
	}
	_, err = l.db.ExecContext(ctx,
		l.bind(`INSERT INTO `+table+` (id, state, stage, created_at, payload) VALUES (?, ?, ?, ?, ?)`),
		m.ID, string(m.State), string(m.Stage), m.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		if l.isConflict(err) {
			return domain.DictionaryMigration{}, l.conflict(ctx)
		}
		return domain.DictionaryMigration{}, fmt.Errorf("insert migration %s: %w", m.ID, err)
	}
	return m, nil
}

func (l *MigrationLog) Update(ctx context.Context, m domain.DictionaryMigration) error {
	m.UpdatedAt = l.now()
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode migration %s: %w", m.ID, err)
	}
	res, err := l.db.ExecContext(ctx,
		l.bind(`UPDATE `+table+` SET state = ?, stage = ?, payload = ? WHERE id = ?`),
		string(m.State), string(m.Stage), string(payload), m.ID)
	if err != nil {
		if l.isConflict(err) {
			return l.conflict(ctx)
		}
		return fmt.Errorf("update migration %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update migration %s: %w", m.ID, err)
	}
	if n == 0 {
		return domain.NotFoundError{Entity: "migration", ID: m.ID}
	}
	return nil
}

func (l *MigrationLog) Get(ctx context.Context, id string) (domain.DictionaryMigration, error) {
	row := l.db.QueryRowContext(ctx, l.bind(`SELECT payload FROM `+table+` WHERE id = ?`), id)
	m, err := scanMigration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DictionaryMigration{}, domain.NotFoundError{Entity: "migration", ID: id}
	}
	return m, err
}

func (l *MigrationLog) FindOpen(ctx context.Context) (domain.DictionaryMigration, bool, error) {
	row := l.db.QueryRowContext(ctx, l.bind(`SELECT payload FROM `+table+` WHERE state = ? LIMIT 1`), string(domain.MigrationOpen))
	m, err := scanMigration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DictionaryMigration{}, false, nil
	}
	if err != nil {
		return domain.DictionaryMigration{}, false, err
	}
	return m, true, nil
}

func (l *MigrationLog) List(ctx context.Context, state domain.MigrationState) ([]domain.DictionaryMigration, error) {
	query := `SELECT payload FROM ` + table
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, id`
	rows, err := l.db.QueryContext(ctx, l.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DictionaryMigration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMigration(s scanner) (domain.DictionaryMigration, error) {
	var payload []byte
	if err := s.Scan(&payload); err != nil {
		return domain.DictionaryMigration{}, err
	}
	var m domain.DictionaryMigration
	if err := json.Unmarshal(payload, &m); err != nil {
		return domain.DictionaryMigration{}, fmt.Errorf("decode migration payload: %w", err)
	}
	return m, nil
}
