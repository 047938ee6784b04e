// Package testutil provides shared fixtures for package tests: an in-memory
// database, a scripted classification service and snapshot builders.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/Veraticus/the-books-must-balance/internal/storage"
)

// TestDB represents a test database with the catalog it is checked against.
type TestDB struct {
	Storage *storage.SQLiteStorage
	Catalog *catalog.Catalog
	t       *testing.T
}

// SetupTestDB creates a migrated in-memory database seeded with orgs.
// It automatically handles cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t, testutil.FoodProducer())
func SetupTestDB(t *testing.T, orgs ...model.OrganizationProfile) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	for i := range orgs {
		if err := store.SaveOrganization(ctx, &orgs[i]); err != nil {
			t.Fatalf("failed to seed organization %q: %v", orgs[i].ID, err)
		}
	}

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	return &TestDB{
		Storage: store,
		Catalog: cat,
		t:       t,
	}
}

// MustGetRecord returns a stored record or fails the test.
func (db *TestDB) MustGetRecord(id string) *model.ClassificationRecord {
	db.t.Helper()
	rec, err := db.Storage.GetRecord(context.Background(), id)
	if err != nil {
		db.t.Fatalf("failed to load record %q: %v", id, err)
	}
	return rec
}

// SeedRecord stores rec as is, bypassing the classifier.
func (db *TestDB) SeedRecord(rec *model.ClassificationRecord) {
	db.t.Helper()
	created, err := db.Storage.CreateRecord(context.Background(), rec)
	if err != nil {
		db.t.Fatalf("failed to seed record %q: %v", rec.ID, err)
	}
	if !created {
		db.t.Fatalf("record %q already exists", rec.ID)
	}
}

// SeedCorrections appends the given correction entries.
func (db *TestDB) SeedCorrections(entries ...model.CorrectionEntry) {
	db.t.Helper()
	for i := range entries {
		if err := db.Storage.AppendCorrection(context.Background(), &entries[i]); err != nil {
			db.t.Fatalf("failed to seed correction: %v", err)
		}
	}
}

// WithTransaction executes fn within a transaction that is always rolled back.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}
