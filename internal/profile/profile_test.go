package profile

import (
	"context"
	"strings"
	"testing"

	"github.com/Veraticus/the-books-must-balance/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
organizations:
  - id: org-nuts
    name: Nogales del Norte
    industry: food_production
    business_model: manufacturing
    treatments:
      hsn850101abc:
        treatment: raw material supplier
        code_hint: "502"
  - id: org-agency
    name: Agencia Creativa
    industry: marketing
    business_model: services
`

func TestSeedAndResolve(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	profiles, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	require.NoError(t, Seed(ctx, store, profiles))

	r := NewResolver(store, nil)

	p, err := r.Resolve(ctx, "org-nuts")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "food_production", p.Industry)

	treatment, ok := p.TreatmentFor("HSN850101ABC")
	require.True(t, ok)
	assert.Equal(t, "502", treatment.CodeHint)

	missing, err := r.Resolve(ctx, "org-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLoadSeed_Errors(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("organizations:\n  - name: no id\n"))
	assert.Error(t, err)

	_, err = LoadSeed(strings.NewReader("organizations:\n  - id: a\n    name: A\n  - id: a\n    name: B\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadSeed(strings.NewReader("orgs: []\n"))
	assert.Error(t, err)
}
