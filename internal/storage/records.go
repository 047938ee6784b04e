package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

const recordColumns = `id, organization_id, document_kind, counterparty_key, description, secondary_key,
	snapshot_hash, snapshot_json, family_code, subfamily_code, account_code, status, confidence,
	explanation, failure_phase, reviewer_id, version, created_at, updated_at`

// CreateRecord inserts a record unless one with the same id already exists.
// It reports whether a new row was written.
func (s *SQLiteStorage) CreateRecord(ctx context.Context, record *model.ClassificationRecord) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateRecord(record); err != nil {
		return false, err
	}

	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.createRecordTx(ctx, tx, record)
		return err
	})
	return created, err
}

func (s *SQLiteStorage) createRecordTx(ctx context.Context, q queryable, record *model.ClassificationRecord) (bool, error) {
	snapshot, err := json.Marshal(record.Snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Version = 1

	result, err := q.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		record.ID, record.OrganizationID, string(record.DocumentKind), record.CounterpartyKey,
		record.Description, record.SecondaryKey, record.SnapshotHash, string(snapshot),
		record.FamilyCode, record.SubfamilyCode, record.AccountCode, string(record.Status),
		record.Confidence, record.Explanation, string(record.FailurePhase), record.ReviewerID,
		record.Version, record.CreatedAt.UTC(), record.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check created record: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := s.appendHistory(ctx, q, record); err != nil {
		return false, err
	}
	return true, nil
}

// GetRecord retrieves a classification record by id.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id string) (*model.ClassificationRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getRecordTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getRecordTx(ctx context.Context, q queryable, id string) (*model.ClassificationRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("record", id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateRecord writes a record if its version still matches the stored one.
// On success the record's version is advanced; a stale version yields ErrPersistenceConflict.
func (s *SQLiteStorage) UpdateRecord(ctx context.Context, record *model.ClassificationRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateRecordTx(ctx, tx, record)
	})
}

func (s *SQLiteStorage) updateRecordTx(ctx context.Context, q queryable, record *model.ClassificationRecord) error {
	now := s.now()

	result, err := q.ExecContext(ctx, `
		UPDATE records SET
			family_code = ?,
			subfamily_code = ?,
			account_code = ?,
			status = ?,
			confidence = ?,
			explanation = ?,
			failure_phase = ?,
			reviewer_id = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`,
		record.FamilyCode, record.SubfamilyCode, record.AccountCode, string(record.Status),
		record.Confidence, record.Explanation, string(record.FailurePhase), record.ReviewerID,
		now, record.ID, record.Version,
	)
	if err != nil {
		if isTriggerAbort(err) {
			return fmt.Errorf("record %s: %w", record.ID, common.ErrTerminalStatus)
		}
		return fmt.Errorf("failed to update record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated record: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE id = ?)`, record.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check record existence: %w", err)
		}
		if !exists {
			return notFound("record", record.ID)
		}
		return fmt.Errorf("record %s at version %d: %w", record.ID, record.Version, common.ErrPersistenceConflict)
	}

	record.Version++
	record.UpdatedAt = now
	return s.appendHistory(ctx, q, record)
}

// ListRecords returns records matching the filter, oldest first.
func (s *SQLiteStorage) ListRecords(ctx context.Context, filter service.RecordFilter) ([]model.ClassificationRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listRecordsTx(ctx, s.db, filter)
}

func (s *SQLiteStorage) listRecordsTx(ctx context.Context, q queryable, filter service.RecordFilter) ([]model.ClassificationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			if !status.Valid() {
				return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
			}
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.ClassificationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// GetRecordHistory returns every stored version of a record, oldest first.
func (s *SQLiteStorage) GetRecordHistory(ctx context.Context, id string) ([]service.RecordRevision, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getRecordHistoryTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getRecordHistoryTx(ctx context.Context, q queryable, id string) ([]service.RecordRevision, error) {
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT record_id, version, family_code, subfamily_code, account_code, status, confidence, explanation, changed_at
		FROM record_history
		WHERE record_id = ?
		ORDER BY version
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query record history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []service.RecordRevision
	for rows.Next() {
		var (
			rev    service.RecordRevision
			status string
		)
		if err := rows.Scan(&rev.RecordID, &rev.Version, &rev.FamilyCode, &rev.SubfamilyCode,
			&rev.AccountCode, &status, &rev.Confidence, &rev.Explanation, &rev.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record history: %w", err)
		}
		rev.Status = model.RecordStatus(status)
		history = append(history, rev)
	}
	return history, rows.Err()
}

func (s *SQLiteStorage) appendHistory(ctx context.Context, q queryable, record *model.ClassificationRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO record_history (record_id, version, family_code, subfamily_code, account_code, status, confidence, explanation, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.Version, record.FamilyCode, record.SubfamilyCode, record.AccountCode,
		string(record.Status), record.Confidence, record.Explanation, record.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("record %s version %d already recorded: %w", record.ID, record.Version, common.ErrPersistenceConflict)
		}
		return fmt.Errorf("failed to append record history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.ClassificationRecord, error) {
	var (
		record       model.ClassificationRecord
		kind         string
		status       string
		failurePhase string
		snapshot     string
	)
	err := row.Scan(
		&record.ID, &record.OrganizationID, &kind, &record.CounterpartyKey, &record.Description,
		&record.SecondaryKey, &record.SnapshotHash, &snapshot, &record.FamilyCode, &record.SubfamilyCode,
		&record.AccountCode, &status, &record.Confidence, &record.Explanation, &failurePhase,
		&record.ReviewerID, &record.Version, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	record.DocumentKind = model.DocumentKind(kind)
	record.FailurePhase = model.Phase(failurePhase)
	record.Status, err = model.ParseRecordStatus(status)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", record.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &record.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for record %s: %w", record.ID, err)
	}
	return &record, nil
}
