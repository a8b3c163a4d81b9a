// Package objectstore is the reference object-store backend of §4.8: a
// versioned resource keyed by (tenant, type, id) is a small tree of
// JSON objects rather than a database row, with "current.json"
// projecting the latest version and "_history/<version>.json" holding
// every version, the latest included. No repo in the example pack wires the AWS SDK;
// the keyspace layout and tenancy modes are spec-derived (§4.8, §4.9),
// and the client plumbing follows the SDK's own documented usage.
package objectstore

import "fmt"

// TenancyMode selects how a tenant's objects are isolated from other
// tenants', mirroring the row-store's strategies (§4.9).
type TenancyMode string

// recognized tenancy modes
const (
	// TenancyPrefixPerTenant isolates tenants under distinct key
	// prefixes of one shared bucket.
	TenancyPrefixPerTenant TenancyMode = "prefix-per-tenant"
	// TenancyBucketPerTenant isolates tenants in distinct buckets; the
	// caller supplies a BucketResolver in that case.
	TenancyBucketPerTenant TenancyMode = "bucket-per-tenant"
)

// keyspace builds the object keys for one backend configuration. All
// keys are relative to the bucket a given tenant resolves to.
type keyspace struct {
	basePrefix string
}

func newKeyspace(basePrefix string) keyspace {
	return keyspace{basePrefix: basePrefix}
}

func (k keyspace) currentKey(resourceType, id string) string {
	return fmt.Sprintf("%sresources/%s/%s/current.json", k.basePrefix, resourceType, id)
}

func (k keyspace) historyKey(resourceType, id, versionID string) string {
	return fmt.Sprintf("%sresources/%s/%s/_history/%s.json", k.basePrefix, resourceType, id, versionID)
}

func (k keyspace) historyPrefix(resourceType, id string) string {
	return fmt.Sprintf("%sresources/%s/%s/_history/", k.basePrefix, resourceType, id)
}

func (k keyspace) typePrefix(resourceType string) string {
	return fmt.Sprintf("%sresources/%s/", k.basePrefix, resourceType)
}

func (k keyspace) typeLogKey(resourceType string) string {
	return fmt.Sprintf("%slog/%s.ndjson", k.basePrefix, resourceType)
}

func (k keyspace) systemLogKey() string {
	return k.basePrefix + "log/_system.ndjson"
}
