// Package tenant implements the opaque hierarchical tenant identity, the
// permission set carried alongside it, and the TenantContext that every
// core operation requires as a parameter. There is no ambient or
// default-tenant side channel: the absence of a tenant is a compile error,
// not a runtime audit finding.
package tenant

import (
	"strings"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/fhirerr"
)

// System is the reserved tenant id denoting the global, cross-tenant
// partition used for terminology and conformance resources.
const System ID = "__system__"

// ID is an opaque, hierarchical tenant identifier. Segments are
// '/'-separated, most significant first, e.g. "acme/clinics/downtown".
type ID string

// IsSystem reports whether id is the reserved system tenant.
func (id ID) IsSystem() bool {
	return id == System
}

// IsDescendantOf reports whether id is a strict descendant of parent,
// i.e. parent is a proper path-prefix of id followed by '/'. A tenant is
// never its own descendant.
func (id ID) IsDescendantOf(parent ID) bool {
	if id == parent || parent == "" {
		return false
	}
	return strings.HasPrefix(string(id), string(parent)+"/")
}

// IsAncestorOf reports whether id is a strict ancestor of child.
func (id ID) IsAncestorOf(child ID) bool {
	return child.IsDescendantOf(id)
}

// Segments splits the tenant id into its hierarchy components.
func (id ID) Segments() []string {
	if id == "" {
		return nil
	}
	return strings.Split(string(id), "/")
}

// Model classifies how a resource type is tenant-scoped. Supplements
// spec.md's reserved system tenant with the per-resource-type tenancy
// classification original_source uses to force terminology/conformance
// writes into the system tenant regardless of the caller's tenant.
type Model string

const (
	// ModelTenantScoped is the default: a resource belongs to exactly
	// one, non-system tenant for its lifetime.
	ModelTenantScoped Model = "tenant_scoped"
	// ModelShared resources live in the system tenant and are visible
	// to every tenant, subject to permissions.
	ModelShared Model = "shared"
	// ModelConfigurable resources may be either, depending on
	// deployment configuration; the classifier decides per call.
	ModelConfigurable Model = "configurable"
)

// ResourceTenancy classifies resource types by tenancy Model. The zero
// value classifies everything as ModelTenantScoped.
type ResourceTenancy struct {
	shared map[string]bool
}

// NewDefaultResourceTenancy returns the classification original_source
// ships by default: terminology and conformance resource types are
// Shared, everything else is TenantScoped.
func NewDefaultResourceTenancy() *ResourceTenancy {
	return &ResourceTenancy{shared: map[string]bool{
		"CodeSystem":              true,
		"ValueSet":                true,
		"ConceptMap":              true,
		"NamingSystem":            true,
		"StructureDefinition":     true,
		"CapabilityStatement":     true,
		"SearchParameter":         true,
		"OperationDefinition":     true,
		"CompartmentDefinition":   true,
		"ImplementationGuide":     true,
	}}
}

// Classify returns the tenancy Model for resourceType.
func (t *ResourceTenancy) Classify(resourceType string) Model {
	if t != nil && t.shared[resourceType] {
		return ModelShared
	}
	return ModelTenantScoped
}

// Permissions is the operation x resource-type access set carried by a
// TenantContext, plus the cross-tenant visibility flags.
type Permissions struct {
	// Allowed maps an Operation to the set of resource types it may act
	// on. A resource type of "*" grants the operation for every type.
	Allowed map[core.Operation]map[string]bool
	// CanAccessSystemTenant allows reads of resources owned by the
	// system tenant.
	CanAccessSystemTenant bool
	// CanAccessChildTenants allows reads of resources owned by a
	// descendant tenant.
	CanAccessChildTenants bool
	// CanWriteCrossTenantReference allows a reference payload to point
	// at a resource owned by a different tenant.
	CanWriteCrossTenantReference bool
}

// NewPermissions builds an empty permission set that denies everything.
func NewPermissions() *Permissions {
	return &Permissions{Allowed: map[core.Operation]map[string]bool{}}
}

// Allow grants operation op for resourceType ("*" for all types).
func (p *Permissions) Allow(op core.Operation, resourceType string) *Permissions {
	if p.Allowed == nil {
		p.Allowed = map[core.Operation]map[string]bool{}
	}
	if p.Allowed[op] == nil {
		p.Allowed[op] = map[string]bool{}
	}
	p.Allowed[op][resourceType] = true
	return p
}

// allows reports whether operation op is permitted for resourceType.
func (p *Permissions) allows(op core.Operation, resourceType string) bool {
	if p == nil {
		return false
	}
	byType := p.Allowed[op]
	if byType == nil {
		return false
	}
	return byType["*"] || byType[resourceType]
}

// Context is the tenant identity and permission set threaded through
// every core operation. There is no default construction that grants
// access; System() is the only bypass and must be requested explicitly.
type Context struct {
	TenantID      ID
	Permissions   *Permissions
	CorrelationID string
	UserID        string
}

// New builds a Context for tenant id with the given permissions.
func New(id ID, perms *Permissions) Context {
	return Context{TenantID: id, Permissions: perms}
}

// System returns a Context scoped to the reserved system tenant with
// unrestricted permissions. This is the sole bypass of tenant
// enforcement and must be constructed explicitly by a caller that has
// already authenticated as a system principal.
func System() Context {
	perms := NewPermissions()
	perms.Allow(core.OperationCreate, "*")
	perms.Allow(core.OperationRead, "*")
	perms.Allow(core.OperationUpdate, "*")
	perms.Allow(core.OperationDelete, "*")
	perms.Allow(core.OperationList, "*")
	perms.CanAccessSystemTenant = true
	perms.CanAccessChildTenants = true
	perms.CanWriteCrossTenantReference = true
	return Context{TenantID: System, Permissions: perms}
}

// WithCorrelation returns a copy of ctx carrying correlation/user
// identifiers for audit.
func (c Context) WithCorrelation(correlationID, userID string) Context {
	c.CorrelationID = correlationID
	c.UserID = userID
	return c
}

// CheckPermission consults the permission set for op against
// resourceType. A denial returns operation-not-permitted without
// touching the backend.
func (c Context) CheckPermission(op core.Operation, resourceType string) error {
	if !c.Permissions.allows(op, resourceType) {
		return fhirerr.OperationNotPermitted(string(op), resourceType)
	}
	return nil
}

// CheckAccess implements §4.2's access rule: allowed iff the contexts'
// tenant equals the resource tenant, or the resource tenant is the
// system tenant and the context can see it, or the resource tenant is a
// descendant of the context's tenant and the context can see child
// tenants.
func (c Context) CheckAccess(resourceTenant ID) error {
	if c.TenantID == resourceTenant {
		return nil
	}
	if resourceTenant.IsSystem() && c.Permissions != nil && c.Permissions.CanAccessSystemTenant {
		return nil
	}
	if resourceTenant.IsDescendantOf(c.TenantID) && c.Permissions != nil && c.Permissions.CanAccessChildTenants {
		return nil
	}
	return fhirerr.AccessDenied(string(c.TenantID), string(resourceTenant))
}

// ValidateReference resolves a reference's target tenant and rejects
// cross-tenant references unless the context is explicitly permitted to
// write them. targetTenant is the tenant owning the referenced resource,
// as resolved by the caller (reference resolution is backend-specific).
func (c Context) ValidateReference(ref string, targetTenant ID) error {
	if targetTenant == c.TenantID || targetTenant.IsSystem() {
		return nil
	}
	if c.Permissions != nil && c.Permissions.CanWriteCrossTenantReference {
		return nil
	}
	return fhirerr.New(fhirerr.KindTenant, fhirerr.CodeCrossTenantRef,
		"reference %q crosses tenant boundary from %s to %s", ref, c.TenantID, targetTenant)
}
