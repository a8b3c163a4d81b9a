// Package backend declares the progressive trait stack of §4.1 and
// provides the reference row-store implementation of §4.7 in the same
// package. The teacher's own pkg/storage keeps its Store interface
// (store.go) and its one concrete BoltStore (boltdb.go) together the
// same way; RowStoreBackend (rowstore.go) is the reference
// implementation of the interfaces below. It does not implement every
// one of them (the bulk, terminology and multi-type search interfaces
// among others have no implementation in this module).
package backend

import (
	"context"

	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
)

// StorageBackend is the minimum surface every storage technology must
// implement: identity, capability declaration, lifecycle, and health
// (§4.1).
type StorageBackend interface {
	Kind() capability.Kind
	Name() string
	Capabilities() capability.Set
	Initialize(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// ResourceStorage is the baseline CRUD surface every backend must
// implement (§4.1, §4.3).
type ResourceStorage interface {
	StorageBackend
	Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error)
	Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error)
	Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error)
	Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error
	Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error)
}

// VersionedStorage extends ResourceStorage with version-addressed
// reads and optimistic-concurrency-checked mutations (§4.1 level 1,
// §4.4).
type VersionedStorage interface {
	ResourceStorage
	VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (*resource.StoredResource, error)
	UpdateWithMatch(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte, expectedETag string) (*resource.StoredResource, error)
	DeleteWithMatch(ctx context.Context, tc tenant.Context, resourceType, id, expectedETag string) error
	ListVersions(ctx context.Context, tc tenant.Context, resourceType, id string) ([]*resource.StoredResource, error)
}

// HistoryPage is a page of history results, ordered newest-first per
// §4.3.
type HistoryPage struct {
	Entries []*resource.StoredResource
	Next    string
}

// InstanceHistoryProvider returns the version history of one resource.
type InstanceHistoryProvider interface {
	VersionedStorage
	InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, since, before string, count int, cursor string) (*HistoryPage, error)
}

// TypeHistoryProvider merges history across every resource of a type.
type TypeHistoryProvider interface {
	InstanceHistoryProvider
	TypeHistory(ctx context.Context, tc tenant.Context, resourceType string, since, before string, count int, cursor string) (*HistoryPage, error)
}

// SystemHistoryProvider merges history across every resource type.
type SystemHistoryProvider interface {
	TypeHistoryProvider
	SystemHistory(ctx context.Context, tc tenant.Context, since, before string, count int, cursor string) (*HistoryPage, error)
}

// SearchPage is a page of search results.
type SearchPage struct {
	Entries []*resource.StoredResource
	// IncludeEntries holds resources pulled in via _include/_revinclude,
	// kept separate so callers can mark them "include" mode per §4.5.
	IncludeEntries []*resource.StoredResource
	Total          *int
	Next           string
}

// SearchProvider executes a parsed search.SearchQuery (§4.1 level 3).
type SearchProvider interface {
	ResourceStorage
	Search(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*SearchPage, error)
}

// MultiTypeSearchProvider searches across multiple resource types at once.
type MultiTypeSearchProvider interface {
	SearchProvider
	SearchAllTypes(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*SearchPage, error)
}

// IncludeProvider resolves _include directives for a result set.
type IncludeProvider interface {
	SearchProvider
	ResolveIncludes(ctx context.Context, tc tenant.Context, entries []*resource.StoredResource, includes []search.IncludeDirective) ([]*resource.StoredResource, error)
}

// RevIncludeProvider resolves _revinclude directives for a result set.
type RevIncludeProvider interface {
	SearchProvider
	ResolveRevIncludes(ctx context.Context, tc tenant.Context, entries []*resource.StoredResource, includes []search.IncludeDirective) ([]*resource.StoredResource, error)
}

// ChainedSearchProvider resolves chained reference parameters
// (patient.name=Smith).
type ChainedSearchProvider interface {
	SearchProvider
	SearchChained(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*SearchPage, error)
}

// ReverseChainProvider resolves _has reverse-chain parameters.
type ReverseChainProvider interface {
	SearchProvider
	SearchReverseChain(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*SearchPage, error)
}

// TerminologySearchProvider supports token search modifiers that
// require terminology knowledge (:above, :below, :in, :not-in,
// :of-type).
type TerminologySearchProvider interface {
	SearchProvider
	SupportsTerminologyModifier(m search.Modifier) bool
}

// TextSearchProvider supports _text/_content full-text search.
type TextSearchProvider interface {
	SearchProvider
	SearchText(ctx context.Context, tc tenant.Context, resourceType, text string) (*SearchPage, error)
}

// IsolationLevel is a transaction isolation level (§5).
type IsolationLevel string

// recognized isolation levels
const (
	IsolationReadCommitted  IsolationLevel = "read-committed"
	IsolationRepeatableRead IsolationLevel = "repeatable-read"
	IsolationSerializable   IsolationLevel = "serializable"
	IsolationSnapshot       IsolationLevel = "snapshot"
)

// Transaction is the native transaction handle a TransactionProvider
// hands back; callers never see the underlying driver type.
type Transaction interface {
	Commit() error
	Rollback() error
}

// TransactionProvider begins a native transaction with an isolation
// level and optional timeout (§5, §4.1 level 4).
type TransactionProvider interface {
	ResourceStorage
	BeginTransaction(ctx context.Context, isolation IsolationLevel, timeoutMillis int) (Transaction, error)
}

// BundleEntry is one entry of a FHIR transaction/batch bundle (§6.4).
type BundleEntry struct {
	FullURL      string // e.g. "urn:uuid:<placeholder>", resolved during the reference pass
	Method       string // GET/POST/PUT/PATCH/DELETE
	URL          string
	Resource     []byte
	IfMatch      string
	IfNoneExist  string
	IfNoneMatch  string
}

// BundleEntryResult is the response to one BundleEntry.
type BundleEntryResult struct {
	Status       int
	Location     string
	ETag         string
	LastModified string
	Resource     []byte
	Outcome      error
}

// BundleProvider processes FHIR transaction and batch bundles (§4.1
// level 4, §5, §6.4).
type BundleProvider interface {
	TransactionProvider
	ProcessTransaction(ctx context.Context, tc tenant.Context, entries []BundleEntry) ([]BundleEntryResult, error)
	ProcessBatch(ctx context.Context, tc tenant.Context, entries []BundleEntry) ([]BundleEntryResult, error)
}

// BulkJobStatus is the lifecycle state of a bulk job (§4.1 level 5).
type BulkJobStatus string

// recognized bulk job statuses
const (
	BulkJobAccepted  BulkJobStatus = "accepted"
	BulkJobRunning   BulkJobStatus = "running"
	BulkJobCompleted BulkJobStatus = "completed"
	BulkJobFailed    BulkJobStatus = "failed"
	BulkJobCancelled BulkJobStatus = "cancelled"
)

// BulkJob tracks a long-running asynchronous export/import.
type BulkJob struct {
	ID       string
	Status   BulkJobStatus
	Progress float64
	Outputs  []string
	Error    string
}

// BulkExportStorage exposes asynchronous bulk-export jobs.
type BulkExportStorage interface {
	ResourceStorage
	StartExport(ctx context.Context, tc tenant.Context, resourceTypes []string, since string) (*BulkJob, error)
	ExportStatus(ctx context.Context, tc tenant.Context, jobID string) (*BulkJob, error)
	CancelExport(ctx context.Context, tc tenant.Context, jobID string) error
}

// BulkSubmitProvider exposes asynchronous bulk-import jobs.
type BulkSubmitProvider interface {
	ResourceStorage
	StartImport(ctx context.Context, tc tenant.Context, source string) (*BulkJob, error)
	ImportStatus(ctx context.Context, tc tenant.Context, jobID string) (*BulkJob, error)
}

// ExtractorFor lets a backend pull the extractor it was configured
// with, so generic code can pre-validate a write without depending on
// a concrete backend type.
type ExtractorFor interface {
	Extractor() *extractor.Extractor
}
