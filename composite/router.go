// Package composite implements the composite-deployment router of
// §4.1's design notes: "Composite deployments use [capability
// querying] to route each request to a backend whose capability set
// covers the request" — e.g. writes land on a row-store while
// searches are served by a search-engine backend kept current through
// its own async sync path (searchengine). The router itself never
// interprets FHIR semantics; it only picks, for each call, the first
// configured backend whose declared capability set covers it, with
// search preferring a member other than the write backend.
package composite

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
)

// Router dispatches each call to the first registered backend whose
// capability set covers it. Backends are tried in registration order,
// so the caller's order IS the routing preference (e.g. register the
// row-store before the search-engine backend so reads and writes
// prefer the system of record and only search prefers the index).
type Router struct {
	name     string
	backends []backend.StorageBackend
	log      zerolog.Logger
}

// NewRouter builds a Router over backends, validating that at least
// one of them implements backend.ResourceStorage — a composite
// deployment with nowhere to send a write is a configuration error,
// caught here rather than at the first request (§4.1's "the advisor
// validates this statically from configuration").
func NewRouter(name string, log *zerolog.Logger, backends ...backend.StorageBackend) (*Router, error) {
	l := logger.Default()
	if log != nil {
		l = *log
	}
	r := &Router{name: name, backends: backends, log: l}
	if _, ok := r.writeBackend(); !ok {
		return nil, fhirerr.New(fhirerr.KindBackend, fhirerr.CodeUnsupportedCapability,
			"composite router %q has no registered backend implementing ResourceStorage", name)
	}
	return r, nil
}

// Kind implements backend.StorageBackend.
func (r *Router) Kind() capability.Kind { return capability.KindComposite }

// Name implements backend.StorageBackend.
func (r *Router) Name() string { return r.name }

// Capabilities implements backend.StorageBackend: the union of every
// registered backend's capabilities, since the composite as a whole
// supports whatever any one of its members supports.
func (r *Router) Capabilities() capability.Set {
	set := capability.Set{}
	for _, b := range r.backends {
		for c, ok := range b.Capabilities() {
			if ok {
				set[c] = true
			}
		}
	}
	return set
}

// Initialize implements backend.StorageBackend, initializing every
// registered backend.
func (r *Router) Initialize(ctx context.Context) error {
	for _, b := range r.backends {
		if err := b.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Migrate implements backend.StorageBackend, migrating every
// registered backend.
func (r *Router) Migrate(ctx context.Context) error {
	for _, b := range r.backends {
		if err := b.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck implements backend.StorageBackend: healthy only if
// every registered backend is healthy, since a degraded search-engine
// consumer still means stale search results for callers.
func (r *Router) HealthCheck(ctx context.Context) error {
	for _, b := range r.backends {
		if err := b.HealthCheck(ctx); err != nil {
			return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeUnavailable, err,
				"composite router %q: backend %q unhealthy", r.name, b.Name())
		}
	}
	return nil
}

// writeBackend returns the first registered backend that implements
// ResourceStorage; writes and plain reads always prefer the system of
// record over a secondary index, which may still be catching up.
func (r *Router) writeBackend() (backend.ResourceStorage, bool) {
	for _, b := range r.backends {
		if rs, ok := b.(backend.ResourceStorage); ok {
			return rs, true
		}
	}
	return nil, false
}

// searchBackend returns the first registered backend other than the
// write backend that both declares capability.CapSearch and implements
// SearchProvider, falling back to the write backend itself when no
// other member qualifies.
func (r *Router) searchBackend() (backend.SearchProvider, bool) {
	var fallback backend.SearchProvider
	seenWrite := false
	for _, b := range r.backends {
		_, isStorage := b.(backend.ResourceStorage)
		isWrite := isStorage && !seenWrite
		seenWrite = seenWrite || isStorage
		if !b.Capabilities().Supports(capability.CapSearch) {
			continue
		}
		if sp, ok := b.(backend.SearchProvider); ok {
			if !isWrite {
				return sp, true
			}
			fallback = sp
		}
	}
	return fallback, fallback != nil
}

// Create implements backend.ResourceStorage, routed to the write backend.
func (r *Router) Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error) {
	wb, ok := r.writeBackend()
	if !ok {
		return nil, noWriteBackend(r.name)
	}
	return wb.Create(ctx, tc, resourceType, content)
}

// Read implements backend.ResourceStorage, routed to the write backend.
func (r *Router) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error) {
	wb, ok := r.writeBackend()
	if !ok {
		return nil, noWriteBackend(r.name)
	}
	return wb.Read(ctx, tc, resourceType, id)
}

// Update implements backend.ResourceStorage, routed to the write backend.
func (r *Router) Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error) {
	wb, ok := r.writeBackend()
	if !ok {
		return nil, noWriteBackend(r.name)
	}
	return wb.Update(ctx, tc, resourceType, id, content)
}

// Delete implements backend.ResourceStorage, routed to the write backend.
func (r *Router) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	wb, ok := r.writeBackend()
	if !ok {
		return noWriteBackend(r.name)
	}
	return wb.Delete(ctx, tc, resourceType, id)
}

// Count implements backend.ResourceStorage, routed to the write backend.
func (r *Router) Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error) {
	wb, ok := r.writeBackend()
	if !ok {
		return 0, noWriteBackend(r.name)
	}
	return wb.Count(ctx, tc, resourceType)
}

// Search implements backend.SearchProvider, routed to the first
// registered backend other than the write backend that declares
// capability.CapSearch — typically a
// search-engine backend kept current via its own sync path, falling
// back to the write backend itself if it is the only one capable of
// search (e.g. the row-store alone, with no composite search member
// configured).
func (r *Router) Search(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*backend.SearchPage, error) {
	if sb, ok := r.searchBackend(); ok {
		return sb.Search(ctx, tc, q)
	}
	return nil, fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedParamType,
		"composite router %q has no backend declaring search capability", r.name)
}

func noWriteBackend(name string) error {
	return fhirerr.New(fhirerr.KindBackend, fhirerr.CodeUnsupportedCapability,
		"composite router %q has no backend implementing ResourceStorage", name)
}
