package testutil

import (
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/shopspring/decimal"
)

// Organization ids used across tests.
const (
	OrgFood     = "org-nogales"
	OrgServices = "org-consultora"
)

// FoodProducer is a food manufacturer that buys nuts as raw material.
func FoodProducer() model.OrganizationProfile {
	return model.OrganizationProfile{
		ID:            OrgFood,
		Name:          "Nogales del Norte",
		Industry:      "food_production",
		BusinessModel: "manufacturing",
		Treatments: map[string]model.CounterpartyTreatment{
			"AUHL800101AB1": {Treatment: "walnut grower, raw material supplier", CodeHint: "502"},
		},
	}
}

// ServicesCompany is a professional services firm.
func ServicesCompany() model.OrganizationProfile {
	return model.OrganizationProfile{
		ID:            OrgServices,
		Name:          "Consultora Sierra",
		Industry:      "professional_services",
		BusinessModel: "services",
	}
}

// SnapshotBuilder provides a fluent interface for constructing snapshots.
type SnapshotBuilder struct {
	snap model.Snapshot
}

// NewSnapshot starts an expense snapshot for a record and organization.
func NewSnapshot(recordID, organizationID string) *SnapshotBuilder {
	return &SnapshotBuilder{snap: model.Snapshot{
		RecordID:       recordID,
		OrganizationID: organizationID,
		Kind:           model.KindExpense,
		Currency:       "MXN",
		Amount:         decimal.NewFromInt(1000),
	}}
}

// WithDescription sets the description.
func (b *SnapshotBuilder) WithDescription(description string) *SnapshotBuilder {
	b.snap.Description = description
	return b
}

// WithCounterparty sets the counterparty name and key.
func (b *SnapshotBuilder) WithCounterparty(name, key string) *SnapshotBuilder {
	b.snap.CounterpartyName = name
	b.snap.CounterpartyKey = key
	return b
}

// WithAmount sets the amount from a decimal string.
func (b *SnapshotBuilder) WithAmount(amount string) *SnapshotBuilder {
	b.snap.Amount = decimal.RequireFromString(amount)
	return b
}

// WithSecondaryKey sets the product/service key.
func (b *SnapshotBuilder) WithSecondaryKey(key string) *SnapshotBuilder {
	b.snap.SecondaryKey = key
	return b
}

// WithKind sets the document kind.
func (b *SnapshotBuilder) WithKind(kind model.DocumentKind) *SnapshotBuilder {
	b.snap.Kind = kind
	return b
}

// WithLine appends a line item.
func (b *SnapshotBuilder) WithLine(description, amount, secondaryKey string) *SnapshotBuilder {
	b.snap.LineItems = append(b.snap.LineItems, model.LineItem{
		Description:  description,
		Amount:       decimal.RequireFromString(amount),
		SecondaryKey: secondaryKey,
	})
	return b
}

// Build returns the snapshot.
func (b *SnapshotBuilder) Build() model.Snapshot {
	snap := b.snap
	snap.LineItems = append([]model.LineItem(nil), b.snap.LineItems...)
	return snap
}

// NuezSnapshot is a walnut purchase from an individual grower.
func NuezSnapshot(recordID string) model.Snapshot {
	return NewSnapshot(recordID, OrgFood).
		WithDescription("NUEZ").
		WithCounterparty("HECTOR LUIS AUDELO", "AUHL800101AB1").
		WithAmount("12799.80").
		Build()
}

// ElectricitySnapshot is a utility bill from the national power company.
func ElectricitySnapshot(recordID, organizationID string) model.Snapshot {
	return NewSnapshot(recordID, organizationID).
		WithDescription("SERVICIO DE ENERGIA ELECTRICA PERIODO MAYO").
		WithCounterparty("COMISION FEDERAL DE ELECTRICIDAD", "CFE370814QI0").
		WithAmount("3480.00").
		WithSecondaryKey("83101800").
		Build()
}

// MarketingSnapshot is a marketing services invoice.
func MarketingSnapshot(recordID, organizationID string) model.Snapshot {
	return NewSnapshot(recordID, organizationID).
		WithDescription("SERVICIOS DE MERCADOTECNIA DIGITAL CAMPAÑA JUNIO").
		WithCounterparty("AGENCIA CREATIVA DEL BAJIO", "ACB150301XY2").
		WithAmount("18560.00").
		Build()
}
