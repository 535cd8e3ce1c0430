package service

import (
	"context"
	"fmt"

	"kiosk-service/internal/models"
	"kiosk-service/internal/partner"
	"kiosk-service/internal/util"

	"go.uber.org/zap"
)

// CatalogClient resolves a shopper's brand/model selection to the partner's
// catalog identifiers, with a Redis cache in front of the local mapping table.
type CatalogClient struct {
	store    Store
	counters Counters
	partner  PartnerAPI
	logger   *zap.Logger
}

// NewCatalogClient creates a new catalog client
func NewCatalogClient(store Store, counters Counters, partnerAPI PartnerAPI) *CatalogClient {
	return &CatalogClient{
		store:    store,
		counters: counters,
		partner:  partnerAPI,
		logger:   util.GetLogger(),
	}
}

// ResolveModel returns the partner model and shell ids for a selection. The
// partner's live stock query is authoritative; when it is down the local
// mapping is trusted instead. A selection the partner's stock explicitly does
// not carry is terminal: we never guess a model id.
func (cc *CatalogClient) ResolveModel(ctx context.Context, deviceID, brandID, modelID string) (partnerModelID, shellID string, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.ResolveModel")
	defer span.End()

	partnerModelID, shellID, err = cc.localModel(ctx, brandID, modelID)
	if err != nil {
		return "", "", err
	}

	stock, err := cc.partner.QueryStock(ctx, deviceID, brandID)
	if err != nil {
		if partner.IsTransient(err) {
			cc.logger.Warn("Partner stock query unavailable, using local catalog",
				zap.String("device_id", deviceID),
				zap.String("brand_id", brandID),
				zap.Error(err))
			return partnerModelID, shellID, nil
		}
		return "", "", models.WrapError(models.ErrKindPartnerRejected, err, "stock query rejected")
	}

	for _, m := range stock {
		if m.ModelID == partnerModelID {
			if m.Stock <= 0 {
				return "", "", models.NewError(models.ErrKindPartnerRejected,
					"model %s out of stock on device %s", partnerModelID, deviceID)
			}
			if m.ShellID != "" {
				shellID = m.ShellID
			}
			return partnerModelID, shellID, nil
		}
	}

	return "", "", models.NewError(models.ErrKindPartnerRejected,
		"model %s not stocked on device %s", partnerModelID, deviceID)
}

// localModel reads the partner mapping from cache, falling back to the store
func (cc *CatalogClient) localModel(ctx context.Context, brandID, modelID string) (string, string, error) {
	if pm, sh, err := cc.counters.GetCachedCatalogModel(ctx, brandID, modelID); err == nil && pm != "" {
		return pm, sh, nil
	}

	cm, err := cc.store.GetCatalogModel(ctx, brandID, modelID)
	if err != nil {
		return "", "", err
	}
	if cm.PartnerModelID == "" {
		return "", "", models.NewError(models.ErrKindValidation,
			"catalog model %s/%s has no partner mapping", brandID, modelID)
	}

	if err := cc.counters.CacheCatalogModel(ctx, brandID, modelID, cm.PartnerModelID, cm.PartnerShellID); err != nil {
		cc.logger.Warn("Failed to cache catalog model", zap.Error(err))
	}
	return cm.PartnerModelID, cm.PartnerShellID, nil
}

// WarmCache loads every partner mapping into Redis at startup
func (cc *CatalogClient) WarmCache(ctx context.Context) error {
	cms, err := cc.store.GetCatalogModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load catalog models: %w", err)
	}

	for _, cm := range cms {
		if err := cc.counters.CacheCatalogModel(ctx, cm.BrandID, cm.ModelID, cm.PartnerModelID, cm.PartnerShellID); err != nil {
			cc.logger.Error("Failed to cache catalog model",
				zap.String("brand_id", cm.BrandID),
				zap.String("model_id", cm.ModelID),
				zap.Error(err))
		}
	}

	cc.logger.Info("Catalog cache warmed", zap.Int("count", len(cms)))
	return nil
}
