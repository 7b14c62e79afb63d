package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/domain"
)

// PostgresStore implements the case store on PostgreSQL for multi-node
// deployments. Schema lives in the database migrations; mutations and their
// audit records commit in one transaction with the version column as the
// compare-and-swap guard.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresStore creates a store over the given connection pool.
func NewPostgresStore(db *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: logger}
}

// CreateCase inserts the case and its creation record in one transaction.
func (s *PostgresStore) CreateCase(ctx context.Context, c *domain.Case, rec *domain.AuditRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ai, tirads, err := encodeDocuments(c)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cases (
			id, case_number, patient_id, exam_date, nodule_location,
			image_refs, clinical_notes, status, report_status,
			ai, tirads, signed_by, signed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.CaseNumber, c.PatientID, c.ExamDate, string(c.NoduleLocation),
		c.ImageRefs, c.ClinicalNotes, string(c.Status), string(c.ReportStatus),
		ai, tirads, c.SignedBy, c.SignedAt, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.NewErrorf(domain.KindConflict, "case %s already exists", c.CaseNumber)
		}
		s.log.WithFields(logrus.Fields{
			"case_number": c.CaseNumber,
			"error":       err,
		}).Error("Failed to insert case")
		return fmt.Errorf("inserting case: %w", err)
	}

	if err := insertAuditPG(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing case creation: %w", err)
	}
	return nil
}

// UpdateCase replaces the case row iff the stored version matches, appending
// the audit record in the same transaction.
func (s *PostgresStore) UpdateCase(ctx context.Context, c *domain.Case, expectedVersion int64, rec *domain.AuditRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ai, tirads, err := encodeDocuments(c)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE cases SET
			patient_id = $1, exam_date = $2, nodule_location = $3,
			image_refs = $4, clinical_notes = $5, status = $6, report_status = $7,
			ai = $8, tirads = $9, signed_by = $10, signed_at = $11,
			version = $12, updated_at = $13
		WHERE id = $14 AND version = $15`,
		c.PatientID, c.ExamDate, string(c.NoduleLocation),
		c.ImageRefs, c.ClinicalNotes, string(c.Status), string(c.ReportStatus),
		ai, tirads, c.SignedBy, c.SignedAt,
		c.Version, c.UpdatedAt,
		c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating case: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var stored int64
		err := tx.QueryRow(ctx, `SELECT version FROM cases WHERE id = $1`, c.ID).Scan(&stored)
		if err == pgx.ErrNoRows {
			return domain.NewErrorf(domain.KindNotFound, "case %s not found", c.ID)
		}
		if err != nil {
			return fmt.Errorf("checking case version: %w", err)
		}
		return domain.NewErrorf(domain.KindConflict,
			"case %s is at version %d, not %d", c.CaseNumber, stored, expectedVersion)
	}

	if err := insertAuditPG(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing case update: %w", err)
	}
	return nil
}

// GetCase retrieves a case by ID.
func (s *PostgresStore) GetCase(ctx context.Context, id uuid.UUID) (*domain.Case, error) {
	rows, err := s.db.Query(ctx, caseSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting case: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting case: %w", err)
		}
		return nil, domain.NewErrorf(domain.KindNotFound, "case %s not found", id)
	}
	return scanCasePG(rows)
}

const caseSelect = `
	SELECT id, case_number, patient_id, exam_date, nodule_location,
		   image_refs, clinical_notes, status, report_status,
		   ai, tirads, signed_by, signed_at, version, created_at, updated_at
	FROM cases`

// ListCases returns matching cases, newest first.
func (s *PostgresStore) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	query := caseSelect
	var conds []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Risk != "" {
		args = append(args, string(filter.Risk))
		conds = append(conds, fmt.Sprintf("ai->>'risk_category' = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("(case_number ILIKE $%d OR patient_id ILIKE $%d)", len(args), len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, case_number DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	defer rows.Close()

	var out []*domain.Case
	for rows.Next() {
		c, err := scanCasePG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// NextCaseSequence bumps and returns the per-year case number sequence.
func (s *PostgresStore) NextCaseSequence(ctx context.Context, year int) (int, error) {
	var next int
	err := s.db.QueryRow(ctx, `
		INSERT INTO case_sequences (year, last_value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = case_sequences.last_value + 1
		RETURNING last_value`, year).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advancing case sequence for %d: %w", year, err)
	}
	return next, nil
}

// QueryAudit returns matching audit records in ledger order.
func (s *PostgresStore) QueryAudit(ctx context.Context, q domain.AuditQuery) ([]*domain.AuditRecord, error) {
	query := `
		SELECT seq, id, case_id, action, actor, details, payload, created_at
		FROM audit_records`

	var conds []string
	var args []any
	if q.CaseID != uuid.Nil {
		args = append(args, q.CaseID)
		conds = append(conds, fmt.Sprintf("case_id = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if len(q.Actions) > 0 {
		actions := make([]string, len(q.Actions))
		for i, a := range q.Actions {
			actions[i] = string(a)
		}
		args = append(args, actions)
		conds = append(conds, fmt.Sprintf("action = ANY($%d)", len(args)))
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
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditRecord
	for rows.Next() {
		var (
			rec     domain.AuditRecord
			action  string
			payload []byte
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.CaseID, &action, &rec.Actor,
			&rec.Details, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Action = domain.AuditAction(action)
		rec.Payload = payload
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func encodeDocuments(c *domain.Case) ([]byte, []byte, error) {
	var ai, tirads []byte
	var err error
	if c.AI != nil {
		if ai, err = json.Marshal(c.AI); err != nil {
			return nil, nil, fmt.Errorf("encoding AI result: %w", err)
		}
	}
	if c.Tirads != nil {
		if tirads, err = json.Marshal(c.Tirads); err != nil {
			return nil, nil, fmt.Errorf("encoding TI-RADS assessment: %w", err)
		}
	}
	return ai, tirads, nil
}

func scanCasePG(rows pgx.Rows) (*domain.Case, error) {
	var (
		c                    domain.Case
		location             string
		status, reportStatus string
		ai, tirads           []byte
		signedAt             *time.Time
	)

	err := rows.Scan(
		&c.ID, &c.CaseNumber, &c.PatientID, &c.ExamDate, &location,
		&c.ImageRefs, &c.ClinicalNotes, &status, &reportStatus,
		&ai, &tirads, &c.SignedBy, &signedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning case: %w", err)
	}

	c.NoduleLocation = domain.NoduleLocation(location)
	c.Status = domain.CaseStatus(status)
	c.ReportStatus = domain.ReportStatus(reportStatus)
	c.SignedAt = signedAt

	if len(ai) > 0 {
		c.AI = &domain.AIResult{}
		if err := json.Unmarshal(ai, c.AI); err != nil {
			return nil, fmt.Errorf("decoding AI result: %w", err)
		}
	}
	if len(tirads) > 0 {
		c.Tirads = &domain.TiradsAssessment{}
		if err := json.Unmarshal(tirads, c.Tirads); err != nil {
			return nil, fmt.Errorf("decoding TI-RADS assessment: %w", err)
		}
	}
	return &c, nil
}

func insertAuditPG(ctx context.Context, tx pgx.Tx, rec *domain.AuditRecord) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO audit_records (id, case_id, action, actor, details, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		rec.ID, rec.CaseID, string(rec.Action), rec.Actor, rec.Details,
		rec.Payload, rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}
