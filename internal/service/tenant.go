package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
)

// TenantResolver maps an external city identifier to a tenant.
type TenantResolver struct {
	store store.DataStore
}

// NewTenantResolver creates a tenant resolver.
func NewTenantResolver(s store.DataStore) *TenantResolver {
	return &TenantResolver{store: s}
}

// Resolve looks the identifier up by slug, then by uppercased code.
func (r *TenantResolver) Resolve(ctx context.Context, identifier string) (*model.Tenant, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &model.ValidationError{Field: "tenantId", Reason: "is required"}
	}

	tenant, err := r.store.GetTenantBySlug(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by slug: %w", err)
	}
	if tenant != nil {
		return tenant, nil
	}

	tenant, err = r.store.GetTenantByCode(ctx, strings.ToUpper(identifier))
	if err != nil {
		return nil, fmt.Errorf("lookup tenant by code: %w", err)
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}
