// Package searchengine is the secondary search-index backend of §6.3:
// unlike the row-store, it does not receive writes synchronously in
// the same transaction as the resource mutation. Instead it consumes
// a stream of SyncEvents published to Kafka through a Producer
// (§4.6 step 5's "asynchronous sync event for
// search-engine backends") and projects them into its own document
// store, which it then searches.
package searchengine

import (
	"time"

	"github.com/fhirstore/persistence/core/extractor"
)

// SyncEvent is the wire payload published after a resource write
// commits: enough of the resource's envelope to maintain a read-only
// copy, plus the already-extracted search values so the consumer does
// not need to run the FHIRPath extraction pipeline itself.
type SyncEvent struct {
	TenantID     string                      `json:"tenantId"`
	ResourceType string                      `json:"resourceType"`
	ResourceID   string                      `json:"resourceId"`
	VersionID    string                      `json:"versionId"`
	Content      []byte                      `json:"content"`
	LastModified time.Time                   `json:"lastModified"`
	Deleted      bool                        `json:"deleted"`
	Values       []extractor.ExtractedValue  `json:"values"`
}

// messageKey returns the Kafka partition key for ev: every sync event
// for one resource lands in the same partition, so a consumer group
// never sees two versions of the same resource out of order.
func (ev SyncEvent) messageKey() string {
	return ev.TenantID + "/" + ev.ResourceType + "/" + ev.ResourceID
}
