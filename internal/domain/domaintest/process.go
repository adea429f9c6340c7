// Package domaintest builds purchase processes for tests outside the domain
// package.
package domaintest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
)

// NewProcess returns a pending process with one main item and one
// cross-sale, cascading over billers (rocketgate when none are given).
func NewProcess(t testing.TB, billers ...domain.Biller) *domain.PurchaseProcess {
	t.Helper()
	if len(billers) == 0 {
		billers = []domain.Biller{domain.BillerRocketgate}
	}
	collection, err := domain.NewBillerCollection(billers...)
	require.NoError(t, err)
	cascade, err := domain.NewCascade(collection, 0)
	require.NoError(t, err)

	p, err := domain.NewPurchaseProcess(domain.InitParams{
		SessionID:   domain.NewSessionID(),
		EntrySiteID: "site-1",
		PaymentType: domain.PaymentTypeCC,
		RedirectURL: "https://merchant.example/return",
		PostbackURL: "https://merchant.example/postback",
		Cascade:     cascade,
		MainItem: domain.InitializedItem{
			ItemID: domain.NewItemID(),
			SiteID: "site-1",
			Charge: domain.ChargeInformation{InitialAmount: 2999, InitialDays: 30, Currency: "USD"},
		},
		CrossSales: []domain.InitializedItem{{
			ItemID:      domain.NewItemID(),
			SiteID:      "site-2",
			Charge:      domain.ChargeInformation{InitialAmount: 999, InitialDays: 30, Currency: "USD"},
			IsCrossSale: true,
		}},
		ClientIP: "10.0.0.1",
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)
	return p
}
