package storage

import (
	"context"
	"fmt"

	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// IncrementAccuracy counts one prediction for a category, and one correct prediction when correct.
func (s *SQLiteStorage) IncrementAccuracy(ctx context.Context, organizationID, category string, correct bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return s.incrementAccuracyTx(ctx, s.db, organizationID, category, correct)
}

func (s *SQLiteStorage) incrementAccuracyTx(ctx context.Context, q queryable, organizationID, category string, correct bool) error {
	if err := validateString(organizationID, "organizationID"); err != nil {
		return err
	}
	if err := validateString(category, "category"); err != nil {
		return err
	}

	correctDelta := 0
	if correct {
		correctDelta = 1
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO accuracy_metrics (organization_id, category, total_predictions, correct_predictions, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(organization_id, category) DO UPDATE SET
			total_predictions = total_predictions + 1,
			correct_predictions = correct_predictions + excluded.correct_predictions,
			updated_at = excluded.updated_at
	`, organizationID, category, correctDelta, s.now())
	if err != nil {
		return fmt.Errorf("failed to increment accuracy: %w", err)
	}
	return nil
}

// GetAccuracy returns the accuracy counters of an organization, sorted by category.
func (s *SQLiteStorage) GetAccuracy(ctx context.Context, organizationID string) ([]model.AccuracyMetric, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.getAccuracyTx(ctx, s.db, organizationID)
}

func (s *SQLiteStorage) getAccuracyTx(ctx context.Context, q queryable, organizationID string) ([]model.AccuracyMetric, error) {
	if err := validateString(organizationID, "organizationID"); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT organization_id, category, total_predictions, correct_predictions
		FROM accuracy_metrics
		WHERE organization_id = ?
		ORDER BY category
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accuracy: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []model.AccuracyMetric
	for rows.Next() {
		var m model.AccuracyMetric
		if err := rows.Scan(&m.OrganizationID, &m.Category, &m.TotalPredictions, &m.CorrectPredictions); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// AppendFeedbackEvent writes the audit row for a reviewer action.
func (s *SQLiteStorage) AppendFeedbackEvent(ctx context.Context, event *model.FeedbackEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateFeedbackEvent(event); err != nil {
		return err
	}
	return s.appendFeedbackEventTx(ctx, s.db, event)
}

func (s *SQLiteStorage) appendFeedbackEventTx(ctx context.Context, q queryable, event *model.FeedbackEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO feedback_events (record_id, reviewer_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.RecordID, event.ReviewerID, string(event.Action), event.Detail, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append feedback event: %w", err)
	}
	return nil
}

// ListFeedbackEvents returns the reviewer actions taken on a record, oldest first.
func (s *SQLiteStorage) ListFeedbackEvents(ctx context.Context, recordID string) ([]model.FeedbackEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listFeedbackEventsTx(ctx, s.db, recordID)
}

func (s *SQLiteStorage) listFeedbackEventsTx(ctx context.Context, q queryable, recordID string) ([]model.FeedbackEvent, error) {
	if err := validateString(recordID, "recordID"); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT record_id, reviewer_id, action, detail, created_at
		FROM feedback_events
		WHERE record_id = ?
		ORDER BY id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.FeedbackEvent
	for rows.Next() {
		var (
			event  model.FeedbackEvent
			action string
		)
		if err := rows.Scan(&event.RecordID, &event.ReviewerID, &action, &event.Detail, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback event: %w", err)
		}
		event.Action = model.FeedbackAction(action)
		events = append(events, event)
	}
	return events, rows.Err()
}
