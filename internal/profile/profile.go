// Package profile resolves organization context for classification prompts.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"gopkg.in/yaml.v3"
)

// Reader is the storage the resolver reads from.
type Reader interface {
	GetOrganization(ctx context.Context, id string) (*model.OrganizationProfile, error)
}

// Writer is the storage seeding writes to.
type Writer interface {
	SaveOrganization(ctx context.Context, profile *model.OrganizationProfile) error
}

// Resolver looks up organization profiles.
type Resolver struct {
	store  Reader
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(store Reader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the profile for an organization. A missing profile returns
// (nil, nil): classification proceeds without organization context.
func (r *Resolver) Resolve(ctx context.Context, organizationID string) (*model.OrganizationProfile, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, nil
	}
	p, err := r.store.GetOrganization(ctx, organizationID)
	if errors.Is(err, common.ErrNotFound) {
		r.logger.Debug("No organization profile", "organization_id", organizationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve organization %s: %w", organizationID, err)
	}

	// Treatment keys are matched the same way correction memory matches counterparties.
	if len(p.Treatments) > 0 {
		normalized := make(map[string]model.CounterpartyTreatment, len(p.Treatments))
		for k, v := range p.Treatments {
			normalized[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		p.Treatments = normalized
	}
	return p, nil
}

type seedFile struct {
	Organizations []model.OrganizationProfile `yaml:"organizations"`
}

// LoadSeed parses organization profiles from YAML.
func LoadSeed(r io.Reader) ([]model.OrganizationProfile, error) {
	var doc seedFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse organization seed: %w", err)
	}
	seen := make(map[string]bool, len(doc.Organizations))
	for i, p := range doc.Organizations {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("organization at index %d has no id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate organization %q", p.ID)
		}
		seen[p.ID] = true
	}
	return doc.Organizations, nil
}

// LoadSeedFile parses organization profiles from a YAML file.
func LoadSeedFile(path string) ([]model.OrganizationProfile, error) {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open organization seed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadSeed(f)
}

// Seed saves every profile.
func Seed(ctx context.Context, store Writer, profiles []model.OrganizationProfile) error {
	for i := range profiles {
		if err := store.SaveOrganization(ctx, &profiles[i]); err != nil {
			return fmt.Errorf("failed to seed organization %s: %w", profiles[i].ID, err)
		}
	}
	return nil
}
