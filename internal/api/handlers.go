package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/labstack/echo/v4"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RecordResponse is the wire shape of a classification record.
type RecordResponse struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Description    string    `json:"description"`
	FamilyCode     string    `json:"family_code"`
	SubfamilyCode  string    `json:"subfamily_code"`
	AccountCode    string    `json:"account_code"`
	Status         string    `json:"status"`
	Explanation    string    `json:"explanation"`
	FailurePhase   string    `json:"failure_phase,omitempty"`
	ReviewerID     string    `json:"reviewer_id,omitempty"`
	Confidence     float64   `json:"confidence"`
	Version        int       `json:"version"`
}

func toRecordResponse(rec *model.ClassificationRecord) RecordResponse {
	return RecordResponse{
		ID:             rec.ID,
		OrganizationID: rec.OrganizationID,
		Description:    rec.Description,
		FamilyCode:     rec.FamilyCode,
		SubfamilyCode:  rec.SubfamilyCode,
		AccountCode:    rec.AccountCode,
		Status:         string(rec.Status),
		Explanation:    rec.Explanation,
		FailurePhase:   string(rec.FailurePhase),
		ReviewerID:     rec.ReviewerID,
		Confidence:     rec.Confidence,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// AccuracyResponse is one accuracy row.
type AccuracyResponse struct {
	Category           string  `json:"category"`
	TotalPredictions   int     `json:"total_predictions"`
	CorrectPredictions int     `json:"correct_predictions"`
	Rate               float64 `json:"rate"`
}

// SnapshotResponse reports what happened to a submitted snapshot.
type SnapshotResponse struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// ConfirmRequest is the body of a confirmation.
type ConfirmRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

// CorrectRequest is the body of a correction.
type CorrectRequest struct {
	ReviewerID    string `json:"reviewer_id"`
	CorrectedCode string `json:"corrected_code"`
	Note          string `json:"note,omitempty"`
}

// SubmitSnapshot queues a snapshot for background classification.
// Ineligible and empty snapshots are acknowledged as skipped.
func (s *Server) SubmitSnapshot(c echo.Context) error {
	var snap model.Snapshot
	if err := c.Bind(&snap); err != nil {
		return s.HandleError(c, common.NewUserError("invalid snapshot body", err), "Failed to parse snapshot")
	}
	if strings.TrimSpace(snap.RecordID) == "" || strings.TrimSpace(snap.OrganizationID) == "" {
		return s.HandleError(c, common.NewUserError("record_id and organization_id are required", nil), "Invalid snapshot")
	}
	if snap.Kind == "" {
		snap.Kind = model.KindExpense
	}

	switch {
	case !snap.Kind.Eligible():
		return c.JSON(http.StatusOK, SnapshotResponse{
			RecordID: snap.RecordID,
			Status:   "skipped",
			Reason:   fmt.Sprintf("%s documents are not classified", snap.Kind),
		})
	case !snap.Classifiable():
		return c.JSON(http.StatusOK, SnapshotResponse{
			RecordID: snap.RecordID,
			Status:   "skipped",
			Reason:   common.ErrExtractionIncomplete.Error(),
		})
	}

	status := "queued"
	if !s.scheduler.Submit(snap) {
		status = "in_flight"
	}
	return c.JSON(http.StatusAccepted, SnapshotResponse{RecordID: snap.RecordID, Status: status})
}

// ListQueue lists records of an organization in one review state, pending by default.
func (s *Server) ListQueue(c echo.Context) error {
	status := model.StatusPending
	if raw := c.QueryParam("status"); raw != "" {
		parsed, err := model.ParseRecordStatus(raw)
		if err != nil {
			return s.HandleError(c, common.NewUserError("unknown status", err), "Invalid status filter")
		}
		status = parsed
	}
	limit, err := intParam(c, "limit", defaultPageSize)
	if err != nil {
		return s.HandleError(c, err, "Invalid limit")
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return s.HandleError(c, err, "Invalid offset")
	}

	records, err := s.storage.ListRecords(c.Request().Context(), service.RecordFilter{
		OrganizationID: c.Param("org"),
		Statuses:       []model.RecordStatus{status},
		Limit:          min(limit, maxPageSize),
		Offset:         offset,
	})
	if err != nil {
		return s.HandleError(c, err, "Failed to list records")
	}

	out := make([]RecordResponse, len(records))
	for i := range records {
		out[i] = toRecordResponse(&records[i])
	}
	return c.JSON(http.StatusOK, out)
}

// GetAccuracy returns the accuracy metrics of an organization.
func (s *Server) GetAccuracy(c echo.Context) error {
	stats, err := s.metrics.Stats(c.Request().Context(), c.Param("org"))
	if err != nil {
		return s.HandleError(c, err, "Failed to load accuracy")
	}
	out := make([]AccuracyResponse, len(stats))
	for i, m := range stats {
		out[i] = AccuracyResponse{
			Category:           m.Category,
			TotalPredictions:   m.TotalPredictions,
			CorrectPredictions: m.CorrectPredictions,
			Rate:               m.Rate(),
		}
	}
	return c.JSON(http.StatusOK, out)
}

// GetRecord returns one record.
func (s *Server) GetRecord(c echo.Context) error {
	rec, err := s.storage.GetRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "Failed to load record")
	}
	return c.JSON(http.StatusOK, toRecordResponse(rec))
}

// ConfirmRecord accepts the current classification of a record.
func (s *Server) ConfirmRecord(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, common.NewUserError("invalid request body", err), "Failed to parse request")
	}
	rec, err := s.feedback.Confirm(c.Request().Context(), c.Param("id"), req.ReviewerID)
	if err != nil {
		return s.HandleError(c, err, "Failed to confirm record")
	}
	return c.JSON(http.StatusOK, toRecordResponse(rec))
}

// CorrectRecord replaces the classification of a record.
func (s *Server) CorrectRecord(c echo.Context) error {
	var req CorrectRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, common.NewUserError("invalid request body", err), "Failed to parse request")
	}
	if strings.TrimSpace(req.CorrectedCode) == "" {
		return s.HandleError(c, common.NewUserError("corrected_code is required", nil), "Invalid correction")
	}
	rec, err := s.feedback.Correct(c.Request().Context(), c.Param("id"), req.ReviewerID, req.CorrectedCode, req.Note)
	if err != nil {
		return s.HandleError(c, err, "Failed to correct record")
	}
	return c.JSON(http.StatusOK, toRecordResponse(rec))
}

// ReclassifyRecord resets a failed or needs_review record and queues it again.
func (s *Server) ReclassifyRecord(c echo.Context) error {
	rec, err := s.scheduler.Reclassify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.HandleError(c, err, "Failed to reclassify record")
	}
	return c.JSON(http.StatusAccepted, toRecordResponse(rec))
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		if err == nil {
			err = errors.New("must not be negative")
		}
		return 0, common.NewUserError(fmt.Sprintf("invalid %s", name), err)
	}
	return n, nil
}
