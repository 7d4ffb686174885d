// Package collab holds the narrow interfaces through which the dispatch core
// talks to the rest of the platform (tenancy, package storage). The real
// providers live outside this repository; static implementations cover
// standalone deployments and tests.
package collab

import (
	"context"

	"github.com/avas-r/jobmesh/internal/domain"
)

// Limits are the tenant's subscription ceilings consulted before admission.
type Limits struct {
	MaxConcurrentJobs int
	MaxAgents         int
}

// TenantLimits resolves resource ceilings per tenant. A zero ceiling means
// unlimited.
type TenantLimits interface {
	LimitsFor(ctx context.Context, tenantID string) (Limits, error)
}

// Package is the metadata the core needs about an automation package.
type Package struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Version               string `json:"version"`
	Status                string `json:"status"` // production | testing | draft
	EntryPoint            string `json:"entry_point"`
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds"`
}

// PackageCatalog exposes package metadata from the package collaborator.
type PackageCatalog interface {
	GetPackage(ctx context.Context, tenantID, packageID string) (*Package, error)
	// ListForAgent returns the production/testing packages an agent is
	// permitted to run.
	ListForAgent(ctx context.Context, tenantID, agentID string) ([]*Package, error)
}

// StaticLimits is a fixed-ceiling TenantLimits for standalone deployments.
type StaticLimits struct {
	Limits Limits
}

func (s StaticLimits) LimitsFor(_ context.Context, _ string) (Limits, error) {
	return s.Limits, nil
}

// StaticCatalog serves a fixed package list, keyed by id. Standalone
// deployments load it from config; tests construct it inline.
type StaticCatalog struct {
	Packages []*Package
}

func (s StaticCatalog) GetPackage(_ context.Context, _ string, packageID string) (*Package, error) {
	for _, p := range s.Packages {
		if p.ID == packageID {
			return p, nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "package", ID: packageID}
}

func (s StaticCatalog) ListForAgent(_ context.Context, _ string, _ string) ([]*Package, error) {
	out := make([]*Package, 0, len(s.Packages))
	for _, p := range s.Packages {
		if p.Status == "production" || p.Status == "testing" {
			out = append(out, p)
		}
	}
	return out, nil
}
