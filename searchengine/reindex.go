package searchengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
)

// ReindexStatus is the lifecycle state of one reindex job, mirroring
// the statuses of backend.BulkJob.
type ReindexStatus string

// recognized reindex job statuses
const (
	ReindexQueued     ReindexStatus = "queued"
	ReindexInProgress ReindexStatus = "in-progress"
	ReindexCompleted  ReindexStatus = "completed"
	ReindexFailed     ReindexStatus = "failed"
	ReindexCancelled  ReindexStatus = "cancelled"
)

// IsRunning reports whether a job in this status is still making progress.
func (s ReindexStatus) IsRunning() bool {
	return s == ReindexQueued || s == ReindexInProgress
}

// ReindexRequest describes the scope of one reindex run: the source
// backend is walked type by type, re-extracting search values from
// each resource's stored content and projecting them through
// ApplyEvent exactly as Run's Kafka consumer would, so a reindex and
// the steady-state sync path always produce the same document shape.
type ReindexRequest struct {
	ResourceTypes []string
	BatchSize     int
}

// ReindexProgressError records one resource that failed to reindex;
// the job continues past it rather than aborting the whole run.
type ReindexProgressError struct {
	ResourceType string
	ResourceID   string
	Error        string
}

// ReindexProgress is the checkpointed state of one reindex job.
type ReindexProgress struct {
	JobID              string
	Status             ReindexStatus
	TotalResources      int
	ProcessedResources  int
	CurrentResourceType string
	Errors              []ReindexProgressError
	StartedAt           *time.Time
	CompletedAt         *time.Time
	ErrorMessage        string
}

// Percentage returns the job's completion percentage, 0 when nothing
// is known yet about the total.
func (p *ReindexProgress) Percentage() float64 {
	if p.TotalResources == 0 {
		return 0
	}
	return float64(p.ProcessedResources) / float64(p.TotalResources) * 100
}

// Reindexer rebuilds the search-engine document index for an already
// populated source backend, the supplemented §D operation for when
// new search parameters are registered or the index needs repair
// after drift, grounded on original_source's search/reindex.rs
// (ReindexOperation, ported from its Tokio task + RwLock<HashMap> job
// table to a goroutine-per-job + mutex-guarded map, Go's idiomatic
// equivalent).
type Reindexer struct {
	Store     *Store
	Source    backend.SearchProvider
	Extractor *extractor.Extractor
	Log       zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]*ReindexProgress
	cancels map[string]context.CancelFunc
}

// NewReindexer builds a Reindexer, defaulting Log like every other
// component in this package.
func NewReindexer(store *Store, source backend.SearchProvider, ex *extractor.Extractor, log *zerolog.Logger) *Reindexer {
	l := logger.Default()
	if log != nil {
		l = *log
	}
	return &Reindexer{
		Store: store, Source: source, Extractor: ex, Log: l,
		jobs: make(map[string]*ReindexProgress), cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a reindex job in the background and returns its job
// id immediately; callers poll Progress for status.
func (r *Reindexer) Start(tc tenant.Context, req ReindexRequest) string {
	jobID := uuid.NewString()
	if req.BatchSize <= 0 {
		req.BatchSize = 100
	}
	now := time.Now().UTC()
	progress := &ReindexProgress{JobID: jobID, Status: ReindexQueued, StartedAt: &now}

	jobCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.jobs[jobID] = progress
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	go r.run(jobCtx, jobID, tc, req)
	return jobID
}

// Progress returns the current state of jobID.
func (r *Reindexer) Progress(jobID string) (*ReindexProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.jobs[jobID]
	return p, ok
}

// Cancel requests that jobID stop at its next checkpoint.
func (r *Reindexer) Cancel(jobID string) bool {
	r.mu.RLock()
	cancel, ok := r.cancels[jobID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (r *Reindexer) run(ctx context.Context, jobID string, tc tenant.Context, req ReindexRequest) {
	r.setStatus(jobID, ReindexInProgress)

	for _, resourceType := range req.ResourceTypes {
		r.setCurrentType(jobID, resourceType)
		if err := r.reindexType(ctx, jobID, tc, resourceType, req.BatchSize); err != nil {
			if ctx.Err() != nil {
				r.finish(jobID, ReindexCancelled, "")
				return
			}
			r.finish(jobID, ReindexFailed, err.Error())
			return
		}
	}
	r.finish(jobID, ReindexCompleted, "")
}

func (r *Reindexer) reindexType(ctx context.Context, jobID string, tc tenant.Context, resourceType string, batchSize int) error {
	count, err := r.Source.Count(ctx, tc, resourceType)
	if err != nil {
		return err
	}
	r.addTotal(jobID, count)

	q := search.New(resourceType).WithCount(batchSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := r.Source.Search(ctx, tc, q)
		if err != nil {
			return err
		}
		for _, sr := range page.Entries {
			values := r.Extractor.Extract(sr.ResourceType, sr.Content)
			ev := SyncEvent{
				TenantID: string(sr.TenantID), ResourceType: sr.ResourceType, ResourceID: sr.ID,
				VersionID: sr.VersionID, Content: sr.Content, LastModified: sr.LastModified,
				Deleted: sr.IsDeleted(), Values: values,
			}
			if err := r.Store.ApplyEvent(ctx, ev); err != nil {
				r.addError(jobID, resourceType, sr.ID, err.Error())
			}
			r.incrementProcessed(jobID)
		}
		if page.Next == "" || len(page.Entries) == 0 {
			return nil
		}
		q.Cursor = page.Next
	}
}

func (r *Reindexer) setStatus(jobID string, status ReindexStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		p.Status = status
	}
}

func (r *Reindexer) setCurrentType(jobID, resourceType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		p.CurrentResourceType = resourceType
	}
}

func (r *Reindexer) addTotal(jobID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		p.TotalResources += n
	}
}

func (r *Reindexer) incrementProcessed(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		p.ProcessedResources++
	}
}

func (r *Reindexer) addError(jobID, resourceType, resourceID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		p.Errors = append(p.Errors, ReindexProgressError{
			ResourceType: resourceType, ResourceID: resourceID, Error: message,
		})
	}
}

func (r *Reindexer) finish(jobID string, status ReindexStatus, errMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.jobs[jobID]; ok {
		now := time.Now().UTC()
		p.Status = status
		p.CompletedAt = &now
		p.ErrorMessage = errMessage
	}
	delete(r.cancels, jobID)
}
