package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/oncoscan/triage-server/internal/domain"
)

// SQLiteStore implements the case store on an embedded SQLite database, the
// default backend for single-node deployments. Case mutations and their
// audit records commit in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteStore opens (or creates) the database file and ensures the schema.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked during the write transactions the store
	// relies on; the busy timeout rides out short writer contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if err := createCaseSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, log: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createCaseSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		case_number TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		exam_date TEXT NOT NULL,
		nodule_location TEXT DEFAULT '',
		image_refs TEXT NOT NULL,
		clinical_notes TEXT DEFAULT '',
		status TEXT NOT NULL,
		report_status TEXT NOT NULL,
		ai TEXT,
		tirads TEXT,
		signed_by TEXT DEFAULT '',
		signed_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		case_id TEXT NOT NULL REFERENCES cases(id),
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		details TEXT DEFAULT '',
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS case_sequences (
		year INTEGER PRIMARY KEY,
		last_value INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	CREATE INDEX IF NOT EXISTS idx_cases_patient ON cases(patient_id);
	CREATE INDEX IF NOT EXISTS idx_audit_case ON audit_records(case_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateCase inserts the case and its creation record in one transaction.
func (s *SQLiteStore) CreateCase(ctx context.Context, c *domain.Case, rec *domain.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cols, err := caseColumns(c)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cases (
			id, case_number, patient_id, exam_date, nodule_location,
			image_refs, clinical_notes, status, report_status,
			ai, tirads, signed_by, signed_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewErrorf(domain.KindConflict, "case %s already exists", c.CaseNumber)
		}
		return fmt.Errorf("inserting case: %w", err)
	}

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing case creation: %w", err)
	}
	return nil
}

// UpdateCase replaces the case row iff the stored version matches, appending
// the audit record in the same transaction.
func (s *SQLiteStore) UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int64, rec *domain.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cols, err := caseColumns(c)
	if err != nil {
		return err
	}

	// caseColumns lays out id first; the UPDATE wants it last for the
	// WHERE clause, with expectedVersion as the compare-and-swap guard.
	args := append(cols[1:], cols[0], expectedVersion)
	res, err := tx.ExecContext(ctx, `
		UPDATE cases SET
			case_number = ?, patient_id = ?, exam_date = ?, nodule_location = ?,
			image_refs = ?, clinical_notes = ?, status = ?, report_status = ?,
			ai = ?, tirads = ?, signed_by = ?, signed_at = ?, version = ?,
			created_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("updating case: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing case from a lost version race.
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM cases WHERE id = ?`, c.ID.String()).Scan(&stored)
		if err == sql.ErrNoRows {
			return domain.NewErrorf(domain.KindNotFound, "case %s not found", c.ID)
		}
		if err != nil {
			return fmt.Errorf("checking case version: %w", err)
		}
		return domain.NewErrorf(domain.KindConflict,
			"case %s is at version %d, not %d", c.CaseNumber, stored, expectedVersion)
	}

	if err := insertAudit(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing case update: %w", err)
	}
	return nil
}

// GetCase retrieves a case by ID.
func (s *SQLiteStore) GetCase(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, case_number, patient_id, exam_date, nodule_location,
			   image_refs, clinical_notes, status, report_status,
			   ai, tirads, signed_by, signed_at, version, created_at, updated_at
		FROM cases WHERE id = ?`, id.String())

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewErrorf(domain.KindNotFound, "case %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting case: %w", err)
	}
	return c, nil
}

// ListCases returns matching cases, newest first.
func (s *SQLiteStore) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	query := `
		SELECT id, case_number, patient_id, exam_date, nodule_location,
			   image_refs, clinical_notes, status, report_status,
			   ai, tirads, signed_by, signed_at, version, created_at, updated_at
		FROM cases`

	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		conds = append(conds, "(case_number LIKE ? OR patient_id LIKE ?)")
		needle := "%" + filter.Search + "%"
		args = append(args, needle, needle)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, case_number DESC"
	if filter.Limit > 0 && filter.Risk == "" {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var out []*domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning case: %w", err)
		}
		// Risk lives inside the AI JSON document, so it filters here
		// rather than in SQL.
		if filter.Risk != "" && (c.AI == nil || c.AI.RiskCategory != filter.Risk) {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// NextCaseSequence bumps and returns the per-year case number sequence.
func (s *SQLiteStore) NextCaseSequence(ctx context.Context, year int) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO case_sequences (year, last_value) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`, year).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advancing case sequence for %d: %w", year, err)
	}
	return next, nil
}

// QueryAudit returns matching audit records in ledger order.
func (s *SQLiteStore) QueryAudit(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditRecord, error) {
	query := `
		SELECT seq, id, case_id, action, actor, details, payload, created_at
		FROM audit_records`

	var conds []string
	var args []any
	if q.CaseID != uuid.Nil {
		conds = append(conds, "case_id = ?")
		args = append(args, q.CaseID.String())
	}
	if !q.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, q.To.UTC().Format(time.RFC3339Nano))
	}
	if len(q.Actions) > 0 {
		placeholders := make([]string, len(q.Actions))
		for i, a := range q.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		conds = append(conds, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.Descending {
		query += " ORDER BY created_at DESC, seq DESC"
	} else {
		query += " ORDER BY created_at ASC, seq ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanner is an interface for sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// caseColumns lays out the case's column values in insert order. Times are
// stored as RFC 3339 text; nested documents as JSON.
func caseColumns(c *domain.Case) ([]any, error) {
	imageRefs, err := json.Marshal(c.ImageRefs)
	if err != nil {
		return nil, fmt.Errorf("encoding image refs: %w", err)
	}

	var ai, tirads any
	if c.AI != nil {
		body, err := json.Marshal(c.AI)
		if err != nil {
			return nil, fmt.Errorf("encoding AI result: %w", err)
		}
		ai = string(body)
	}
	if c.Tirads != nil {
		body, err := json.Marshal(c.Tirads)
		if err != nil {
			return nil, fmt.Errorf("encoding TI-RADS assessment: %w", err)
		}
		tirads = string(body)
	}

	var signedAt any
	if c.SignedAt != nil {
		signedAt = c.SignedAt.UTC().Format(time.RFC3339Nano)
	}

	return []any{
		c.ID.String(),
		c.CaseNumber,
		c.PatientID,
		c.ExamDate.UTC().Format(time.RFC3339Nano),
		string(c.NoduleLocation),
		string(imageRefs),
		c.ClinicalNotes,
		string(c.Status),
		string(c.ReportStatus),
		ai,
		tirads,
		c.SignedBy,
		signedAt,
		c.Version,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func scanCase(s scanner) (*domain.Case, error) {
	var (
		c                               domain.Case
		id, examDate, location          string
		imageRefs, status, reportStatus string
		ai, tirads, signedAt            sql.NullString
		createdAt, updatedAt            string
	)

	err := s.Scan(
		&id, &c.CaseNumber, &c.PatientID, &examDate, &location,
		&imageRefs, &c.ClinicalNotes, &status, &reportStatus,
		&ai, &tirads, &c.SignedBy, &signedAt, &c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing case ID: %w", err)
	}
	if c.ExamDate, err = time.Parse(time.RFC3339Nano, examDate); err != nil {
		return nil, fmt.Errorf("parsing exam date: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	c.NoduleLocation = domain.NoduleLocation(location)
	c.Status = domain.CaseStatus(status)
	c.ReportStatus = domain.ReportStatus(reportStatus)

	if err := json.Unmarshal([]byte(imageRefs), &c.ImageRefs); err != nil {
		return nil, fmt.Errorf("decoding image refs: %w", err)
	}
	if ai.Valid {
		c.AI = &domain.AIResult{}
		if err := json.Unmarshal([]byte(ai.String), c.AI); err != nil {
			return nil, fmt.Errorf("decoding AI result: %w", err)
		}
	}
	if tirads.Valid {
		c.Tirads = &domain.TiradsAssessment{}
		if err := json.Unmarshal([]byte(tirads.String), c.Tirads); err != nil {
			return nil, fmt.Errorf("decoding TI-RADS assessment: %w", err)
		}
	}
	if signedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, signedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing signed_at: %w", err)
		}
		c.SignedAt = &t
	}

	return &c, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec *domain.AuditRecord) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_records (id, case_id, action, actor, details, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.CaseID.String(),
		string(rec.Action),
		rec.Actor,
		rec.Details,
		string(rec.Payload),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		rec.Seq = seq
	}
	return nil
}

func scanAudit(s scanner) (*domain.AuditRecord, error) {
	var (
		rec             domain.AuditRecord
		id, caseID      string
		action, payload string
		createdAt       string
	)

	err := s.Scan(&rec.Seq, &id, &caseID, &action, &rec.Actor, &rec.Details, &payload, &createdAt)
	if err != nil {
		return nil, err
	}

	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing audit record ID: %w", err)
	}
	if rec.CaseID, err = uuid.Parse(caseID); err != nil {
		return nil, fmt.Errorf("parsing audit case ID: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing audit created_at: %w", err)
	}
	rec.Action = domain.AuditAction(action)
	if payload != "" {
		rec.Payload = []byte(payload)
	}
	return &rec, nil
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
