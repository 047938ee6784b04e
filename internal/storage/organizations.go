package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// GetOrganization retrieves an organization profile by id.
func (s *SQLiteStorage) GetOrganization(ctx context.Context, id string) (*model.OrganizationProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getOrganizationTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getOrganizationTx(ctx context.Context, q queryable, id string) (*model.OrganizationProfile, error) {
	var (
		profile    model.OrganizationProfile
		treatments string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, industry, business_model, treatments_json
		FROM organizations
		WHERE id = ?
	`, id).Scan(&profile.ID, &profile.Name, &profile.Industry, &profile.BusinessModel, &treatments)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("organization", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	if err := json.Unmarshal([]byte(treatments), &profile.Treatments); err != nil {
		return nil, fmt.Errorf("failed to decode treatments for organization %s: %w", id, err)
	}
	return &profile, nil
}

// SaveOrganization creates or replaces an organization profile.
func (s *SQLiteStorage) SaveOrganization(ctx context.Context, profile *model.OrganizationProfile) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateOrganization(profile); err != nil {
		return err
	}
	return s.saveOrganizationTx(ctx, s.db, profile)
}

func (s *SQLiteStorage) saveOrganizationTx(ctx context.Context, q queryable, profile *model.OrganizationProfile) error {
	treatments := profile.Treatments
	if treatments == nil {
		treatments = map[string]model.CounterpartyTreatment{}
	}
	encoded, err := json.Marshal(treatments)
	if err != nil {
		return fmt.Errorf("failed to encode treatments: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO organizations (id, name, industry, business_model, treatments_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			industry = excluded.industry,
			business_model = excluded.business_model,
			treatments_json = excluded.treatments_json,
			updated_at = excluded.updated_at
	`, profile.ID, profile.Name, profile.Industry, profile.BusinessModel, string(encoded), s.now())
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	return nil
}

// ListOrganizations returns every organization ordered by id.
func (s *SQLiteStorage) ListOrganizations(ctx context.Context) ([]model.OrganizationProfile, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return s.listOrganizationsTx(ctx, s.db)
}

func (s *SQLiteStorage) listOrganizationsTx(ctx context.Context, q queryable) ([]model.OrganizationProfile, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, industry, business_model, treatments_json
		FROM organizations
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []model.OrganizationProfile
	for rows.Next() {
		var (
			profile    model.OrganizationProfile
			treatments string
		)
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Industry, &profile.BusinessModel, &treatments); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		if err := json.Unmarshal([]byte(treatments), &profile.Treatments); err != nil {
			return nil, fmt.Errorf("failed to decode treatments for organization %s: %w", profile.ID, err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}
