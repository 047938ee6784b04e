package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	now    func() time.Time
	dbPath string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	// A single pooled connection keeps an in-memory database alive for the storage lifetime.
	dsn := ":memory:"
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't benefit from multiple connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// withTx runs fn in its own transaction, used by the non-transactional entry points.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// sqliteTransaction wraps sql.Tx to implement service.Transaction.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTransaction) BeginTx(_ context.Context) (service.Transaction, error) {
	return nil, fmt.Errorf("nested transactions are not supported")
}

func (t *sqliteTransaction) Migrate(_ context.Context) error {
	// Migrations should not be run within a transaction
	return fmt.Errorf("migrations cannot be run within a transaction")
}

func (t *sqliteTransaction) Close() error {
	return fmt.Errorf("cannot close storage from within a transaction")
}

// Transaction methods delegate to the main storage with the transaction.
func (t *sqliteTransaction) GetOrganization(ctx context.Context, id string) (*model.OrganizationProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getOrganizationTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) SaveOrganization(ctx context.Context, profile *model.OrganizationProfile) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateOrganization(profile); err != nil {
		return err
	}
	return t.storage.saveOrganizationTx(ctx, t.tx, profile)
}

func (t *sqliteTransaction) ListOrganizations(ctx context.Context) ([]model.OrganizationProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listOrganizationsTx(ctx, t.tx)
}

func (t *sqliteTransaction) CreateRecord(ctx context.Context, record *model.ClassificationRecord) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateRecord(record); err != nil {
		return false, err
	}
	return t.storage.createRecordTx(ctx, t.tx, record)
}

func (t *sqliteTransaction) GetRecord(ctx context.Context, id string) (*model.ClassificationRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return t.storage.getRecordTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) UpdateRecord(ctx context.Context, record *model.ClassificationRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRecord(record); err != nil {
		return err
	}
	return t.storage.updateRecordTx(ctx, t.tx, record)
}

func (t *sqliteTransaction) ListRecords(ctx context.Context, filter service.RecordFilter) ([]model.ClassificationRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listRecordsTx(ctx, t.tx, filter)
}

func (t *sqliteTransaction) GetRecordHistory(ctx context.Context, id string) ([]service.RecordRevision, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getRecordHistoryTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) FindCorrections(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.findCorrectionsTx(ctx, t.tx, organizationID, counterpartyKey, secondaryKey)
}

func (t *sqliteTransaction) AppendCorrection(ctx context.Context, entry *model.CorrectionEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateCorrection(entry); err != nil {
		return err
	}
	return t.storage.appendCorrectionTx(ctx, t.tx, entry)
}

func (t *sqliteTransaction) HasRecentCorrection(ctx context.Context, entry *model.CorrectionEntry, since time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateCorrection(entry); err != nil {
		return false, err
	}
	return t.storage.hasRecentCorrectionTx(ctx, t.tx, entry, since)
}

func (t *sqliteTransaction) IncrementAccuracy(ctx context.Context, organizationID, category string, correct bool) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.incrementAccuracyTx(ctx, t.tx, organizationID, category, correct)
}

func (t *sqliteTransaction) GetAccuracy(ctx context.Context, organizationID string) ([]model.AccuracyMetric, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.getAccuracyTx(ctx, t.tx, organizationID)
}

func (t *sqliteTransaction) AppendFeedbackEvent(ctx context.Context, event *model.FeedbackEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateFeedbackEvent(event); err != nil {
		return err
	}
	return t.storage.appendFeedbackEventTx(ctx, t.tx, event)
}

func (t *sqliteTransaction) ListFeedbackEvents(ctx context.Context, recordID string) ([]model.FeedbackEvent, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.listFeedbackEventsTx(ctx, t.tx, recordID)
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// isTriggerAbort reports whether err came from one of the schema's RAISE(ABORT) triggers.
func isTriggerAbort(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintTrigger
	}
	return false
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// notFound wraps common.ErrNotFound with what was missing.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, common.ErrNotFound)
}
