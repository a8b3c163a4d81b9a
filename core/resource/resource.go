// Package resource defines the in-memory envelope for a stored FHIR
// resource version and its optimistic-concurrency ETag.
package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/tenant"
)

// StoredResource is the envelope for any persisted FHIR resource version.
type StoredResource struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	VersionID    string      `json:"versionId"`
	TenantID     tenant.ID   `json:"-"`
	Content      []byte      `json:"-"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastModified time.Time   `json:"lastModified"`
	DeletedAt    *time.Time  `json:"deletedAt,omitempty"`
	Method       core.Operation `json:"method"`
}

// ETag returns the weak validator derived deterministically from the
// resource's version id: W/"<version_id>".
func (r *StoredResource) ETag() string {
	return fmt.Sprintf("W/%q", r.VersionID)
}

// IsDeleted reports whether this version is a deletion tombstone.
func (r *StoredResource) IsDeleted() bool {
	return r.DeletedAt != nil
}

// URL returns the <Type>/<id> canonical reference form.
func (r *StoredResource) URL() string {
	return r.ResourceType + "/" + r.ID
}

// HistoryURL returns the <Type>/<id>/_history/<version> form.
func (r *StoredResource) HistoryURL() string {
	return fmt.Sprintf("%s/_history/%s", r.URL(), r.VersionID)
}

// NormalizeETag strips the weak-validator prefix "W/" and surrounding
// quotes from an ETag-shaped string, leaving the bare version id. This
// is the sole basis for optimistic-concurrency comparisons: MatchesETag
// must treat `W/"v"`, `"v"` and `v` as equivalent.
func NormalizeETag(etag string) string {
	s := strings.TrimSpace(etag)
	s = strings.TrimPrefix(s, "W/")
	s = strings.TrimPrefix(s, "w/")
	s = strings.Trim(s, `"`)
	return s
}

// MatchesETag reports whether etag, after normalization, refers to
// version. A literal "*" matches any version: it is used for
// unconditional upserts that still want tombstone protection.
func MatchesETag(etag, version string) bool {
	if etag == "*" {
		return true
	}
	return NormalizeETag(etag) == version
}

// FirstVersion is the version id assigned to a resource's initial create.
const FirstVersion = "1"

// NextVersion returns the successor of version, preserving the
// strictly-monotonic, lexicographic-by-integer ordering invariant.
func NextVersion(version string) (string, error) {
	n, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid version id %q: %w", version, err)
	}
	return strconv.FormatInt(n+1, 10), nil
}

// VersionLess reports whether version a is strictly older than version b,
// comparing numerically rather than lexicographically so "2" < "10".
func VersionLess(a, b string) bool {
	na, erra := strconv.ParseInt(a, 10, 64)
	nb, errb := strconv.ParseInt(b, 10, 64)
	if erra != nil || errb != nil {
		return a < b
	}
	return na < nb
}
