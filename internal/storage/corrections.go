package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/google/uuid"
)

// FindCorrections returns the correction entries for an organization and counterparty.
// With a secondary key, entries recorded for that key or for no key are returned.
func (s *SQLiteStorage) FindCorrections(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.findCorrectionsTx(ctx, s.db, organizationID, counterpartyKey, secondaryKey)
}

func (s *SQLiteStorage) findCorrectionsTx(ctx context.Context, q queryable, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error) {
	if err := validateString(organizationID, "organizationID"); err != nil {
		return nil, err
	}
	if err := validateString(counterpartyKey, "counterpartyKey"); err != nil {
		return nil, err
	}

	query := `
		SELECT id, record_id, organization_id, counterparty_key, secondary_key, original_description,
			suggested_code, corrected_code, confidence_before, reviewer_id, note, created_at
		FROM correction_entries
		WHERE organization_id = ? AND counterparty_key = ?`
	args := []any{organizationID, normalizeKey(counterpartyKey)}
	if secondaryKey != "" {
		query += ` AND (secondary_key = ? OR secondary_key = '')`
		args = append(args, secondaryKey)
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.CorrectionEntry
	for rows.Next() {
		var entry model.CorrectionEntry
		if err := rows.Scan(&entry.ID, &entry.RecordID, &entry.OrganizationID, &entry.CounterpartyKey, &entry.SecondaryKey,
			&entry.OriginalDescription, &entry.SuggestedCode, &entry.CorrectedCode, &entry.ConfidenceBefore,
			&entry.ReviewerID, &entry.Note, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendCorrection stores a new correction entry. Entries are never updated.
func (s *SQLiteStorage) AppendCorrection(ctx context.Context, entry *model.CorrectionEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateCorrection(entry); err != nil {
		return err
	}
	return s.appendCorrectionTx(ctx, s.db, entry)
}

func (s *SQLiteStorage) appendCorrectionTx(ctx context.Context, q queryable, entry *model.CorrectionEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CounterpartyKey = normalizeKey(entry.CounterpartyKey)

	_, err := q.ExecContext(ctx, `
		INSERT INTO correction_entries (id, record_id, organization_id, counterparty_key, secondary_key, original_description,
			suggested_code, corrected_code, confidence_before, reviewer_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.RecordID, entry.OrganizationID, entry.CounterpartyKey, entry.SecondaryKey, entry.OriginalDescription,
		entry.SuggestedCode, entry.CorrectedCode, entry.ConfidenceBefore, entry.ReviewerID, entry.Note,
		entry.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("correction %s: %w", entry.ID, common.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to append correction: %w", err)
	}
	return nil
}

// HasRecentCorrection reports whether an identical correction of the same record
// was stored at or after since.
func (s *SQLiteStorage) HasRecentCorrection(ctx context.Context, entry *model.CorrectionEntry, since time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateCorrection(entry); err != nil {
		return false, err
	}
	return s.hasRecentCorrectionTx(ctx, s.db, entry, since)
}

func (s *SQLiteStorage) hasRecentCorrectionTx(ctx context.Context, q queryable, entry *model.CorrectionEntry, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM correction_entries
			WHERE organization_id = ?
				AND record_id = ?
				AND counterparty_key = ?
				AND suggested_code = ?
				AND corrected_code = ?
				AND created_at >= ?
		)
	`, entry.OrganizationID, entry.RecordID, normalizeKey(entry.CounterpartyKey), entry.SuggestedCode,
		entry.CorrectedCode, since.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent corrections: %w", err)
	}
	return exists, nil
}

// normalizeKey matches counterparty keys exactly, ignoring case and padding.
func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
