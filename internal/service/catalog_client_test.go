package service

import (
	"context"
	"testing"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalogHarness(t *testing.T) (*harness, *CatalogClient) {
	t.Helper()
	h := newHarness(t)
	h.store.catalog["apple/iphone-15"] = &models.CatalogModel{
		BrandID:        "apple",
		ModelID:        "iphone-15",
		PartnerModelID: "PM1",
		PartnerShellID: "SH1",
	}
	h.partner.stock = []partner.StockModel{{ModelID: "PM1", ShellID: "SH1", Stock: 3}}
	return h, NewCatalogClient(h.store, h.counters, h.partner)
}

func TestResolveModel(t *testing.T) {
	ctx := context.Background()
	h, cc := newCatalogHarness(t)

	partnerModelID, shellID, err := cc.ResolveModel(ctx, "VM001", "apple", "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, "PM1", partnerModelID)
	assert.Equal(t, "SH1", shellID)

	// The mapping is now cached; the store is no longer consulted.
	delete(h.store.catalog, "apple/iphone-15")
	partnerModelID, _, err = cc.ResolveModel(ctx, "VM001", "apple", "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, "PM1", partnerModelID)
}

func TestResolveModelUnknownSelection(t *testing.T) {
	ctx := context.Background()
	_, cc := newCatalogHarness(t)

	_, _, err := cc.ResolveModel(ctx, "VM001", "apple", "iphone-99")
	assert.True(t, models.IsKind(err, models.ErrKindNotFound))
}

func TestResolveModelMissingPartnerMapping(t *testing.T) {
	ctx := context.Background()
	h, cc := newCatalogHarness(t)
	h.store.catalog["apple/iphone-16"] = &models.CatalogModel{BrandID: "apple", ModelID: "iphone-16"}

	_, _, err := cc.ResolveModel(ctx, "VM001", "apple", "iphone-16")
	assert.True(t, models.IsKind(err, models.ErrKindValidation))
}

func TestResolveModelStockShellWins(t *testing.T) {
	ctx := context.Background()
	h, cc := newCatalogHarness(t)

	// The device reports a different shell than the static mapping.
	h.partner.stock = []partner.StockModel{{ModelID: "PM1", ShellID: "SH9", Stock: 3}}

	_, shellID, err := cc.ResolveModel(ctx, "VM001", "apple", "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, "SH9", shellID)
}

func TestResolveModelNotStockedOnDevice(t *testing.T) {
	ctx := context.Background()
	h, cc := newCatalogHarness(t)
	h.partner.stock = []partner.StockModel{{ModelID: "PM-other", Stock: 5}}

	_, _, err := cc.ResolveModel(ctx, "VM001", "apple", "iphone-15")
	assert.True(t, models.IsKind(err, models.ErrKindPartnerRejected))
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	h, cc := newCatalogHarness(t)
	h.store.catalog["samsung/s24"] = &models.CatalogModel{
		BrandID:        "samsung",
		ModelID:        "s24",
		PartnerModelID: "PM2",
	}

	require.NoError(t, cc.WarmCache(ctx))
	assert.Len(t, h.counters.cached, 2)
}
