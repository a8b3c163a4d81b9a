package searchengine

import (
	"context"
	gosql "database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/csql"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
)

// Configuration accumulates the fields needed to build a Store,
// mirroring the Builder-style construction the row-store and
// object-store backends both use.
type Configuration struct {
	DB      *csql.DB
	Name    string
	Brokers []string
	Topic   string
	GroupID string
	Log     *zerolog.Logger
}

// Store is the search-engine backend of §6.3: an L4 secondary index
// that never accepts a direct write. Its documents are written only
// through ApplyEvent, called by Run (the consumer loop for SyncEvents
// published through a Producer) and by the Reindexer, into a
// JSON-document table it can then search without needing the primary
// backend's own storage format. Neither the row-store nor the
// object-store publishes SyncEvents itself.
type Store struct {
	db      *csql.DB
	name    string
	brokers []string
	topic   string
	groupID string
	log     zerolog.Logger
	reader  *kafka.Reader
}

// New builds a Store from cfg, defaulting Log the way every other
// backend's Builder does.
func New(cfg Configuration) *Store {
	log := logger.Default()
	if cfg.Log != nil {
		log = *cfg.Log
	}
	return &Store{
		db: cfg.DB, name: cfg.Name, brokers: cfg.Brokers,
		topic: cfg.Topic, groupID: cfg.GroupID, log: log,
	}
}

// Kind implements backend.StorageBackend.
func (s *Store) Kind() capability.Kind { return capability.KindSearchEngine }

// Name implements backend.StorageBackend.
func (s *Store) Name() string { return s.name }

// Capabilities implements backend.StorageBackend: search only, no
// history, no transactions, no conditional writes — this backend
// never accepts a direct write at all (§4.1 level 3 read surface,
// fed asynchronously).
func (s *Store) Capabilities() capability.Set {
	return capability.NewSet(capability.CapSearch, capability.CapMultiTypeSearch)
}

// Initialize implements backend.StorageBackend.
func (s *Store) Initialize(ctx context.Context) error { return nil }

// Migrate implements backend.StorageBackend: creates the documents
// table. Unlike the row-store's search_index side table, each row
// here carries its own extracted values inline as jsonb, since this
// backend has no companion resources table to join against.
func (s *Store) Migrate(ctx context.Context) error {
	schema := s.db.Schema
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + schema + `."documents" (
			tenant_id varchar NOT NULL,
			resource_type varchar NOT NULL,
			resource_id varchar NOT NULL,
			version_id varchar NOT NULL,
			content jsonb NOT NULL,
			index jsonb NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL,
			last_modified timestamptz NOT NULL,
			deleted_at timestamptz,
			method varchar NOT NULL,
			is_deleted boolean NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, resource_type, resource_id)
		);`,
		`CREATE INDEX IF NOT EXISTS documents_index_gin ON ` + schema + `."documents" USING gin (index);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeMigrationError, err, "migrating search-engine schema")
		}
	}
	return nil
}

// HealthCheck implements backend.StorageBackend.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create implements backend.ResourceStorage. The search-engine
// backend has no direct write path: every document arrives through
// Run's Kafka consumer loop.
func (s *Store) Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error) {
	return nil, unsupportedWrite()
}

// Update implements backend.ResourceStorage; see Create.
func (s *Store) Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error) {
	return nil, unsupportedWrite()
}

// Delete implements backend.ResourceStorage; see Create.
func (s *Store) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return unsupportedWrite()
}

func unsupportedWrite() error {
	return fhirerr.New(fhirerr.KindBackend, fhirerr.CodeUnsupportedCapability,
		"the search-engine backend accepts writes only via its sync-event consumer, not direct calls")
}

// Read implements backend.ResourceStorage.
func (s *Store) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, resource_type, resource_id, version_id, content, created_at, last_modified, deleted_at, method, is_deleted
		 FROM `+s.db.Schema+`."documents" WHERE resource_type=$1 AND resource_id=$2;`,
		resourceType, id)
	sr, err := scanDocument(row)
	if err == csql.ErrNoRows {
		return nil, fhirerr.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading document")
	}
	if err := tc.CheckAccess(sr.TenantID); err != nil {
		return nil, err
	}
	if sr.IsDeleted() {
		return nil, fhirerr.Gone(resourceType, id)
	}
	return sr, nil
}

// Count implements backend.ResourceStorage.
func (s *Store) Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error) {
	if err := tc.CheckPermission(core.OperationList, resourceType); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+s.db.Schema+`."documents" WHERE tenant_id=$1 AND resource_type=$2 AND is_deleted=false;`,
		string(tc.TenantID), resourceType).Scan(&n)
	if err != nil {
		return 0, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "counting documents")
	}
	return n, nil
}

// Search implements backend.SearchProvider against the index jsonb
// column (query.go), not the row-store's relational search_index
// table.
func (s *Store) Search(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*backend.SearchPage, error) {
	if err := tc.CheckPermission(core.OperationList, q.ResourceType); err != nil {
		return nil, err
	}
	dq, err := buildQuery(s.db.Schema, string(tc.TenantID), q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, dq.SQL, dq.Args...)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "executing document search")
	}
	defer rows.Close()

	var entries []*resource.StoredResource
	for rows.Next() {
		sr, err := scanDocument(rows)
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "scanning document row")
		}
		entries = append(entries, sr)
	}

	page := &backend.SearchPage{Entries: entries}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		page.Next = search.Cursor{SortKey: last.LastModified.UTC().Format(time.RFC3339Nano), ResourceID: last.ID}.Encode()
	}
	return page, nil
}

func scanDocument(row interface{ Scan(...interface{}) error }) (*resource.StoredResource, error) {
	var (
		sr        resource.StoredResource
		tenantID  string
		content   []byte
		deletedAt gosql.NullTime
		method    string
		isDeleted bool
	)
	if err := row.Scan(&tenantID, &sr.ResourceType, &sr.ID, &sr.VersionID, &content,
		&sr.CreatedAt, &sr.LastModified, &deletedAt, &method, &isDeleted); err != nil {
		return nil, err
	}
	sr.TenantID = tenant.ID(tenantID)
	sr.Content = content
	sr.Method = core.Operation(method)
	if deletedAt.Valid {
		sr.DeletedAt = &deletedAt.Time
	}
	return &sr, nil
}

// Run starts the Kafka consumer loop: it fetches sync events one at a
// time, applies each via ApplyEvent, and only commits the offset once
// the apply succeeds, so a transient database failure redelivers the
// event rather than silently dropping it. Run blocks until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) error {
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: s.brokers,
		Topic:   s.topic,
		GroupID: s.groupID,
	})
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("fetching sync event")
			continue
		}
		var ev SyncEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			s.log.Error().Err(err).Msg("malformed sync event, skipping")
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				s.log.Error().Err(err).Msg("committing offset of malformed sync event")
			}
			continue
		}
		if err := s.ApplyEvent(ctx, ev); err != nil {
			s.log.Error().Err(err).Msgf("applying sync event for %s/%s/%s, will retry",
				ev.TenantID, ev.ResourceType, ev.ResourceID)
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.log.Error().Err(err).Msg("committing sync event offset")
		}
	}
}

// ApplyEvent upserts one SyncEvent into the document table. It is
// exported separately from Run so tests and the reindex job
// (reindex.go) can project events without a running Kafka consumer.
func (s *Store) ApplyEvent(ctx context.Context, ev SyncEvent) error {
	idx, err := json.Marshal(indexOf(ev.Values))
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeSerializationError, err, "marshaling document index")
	}
	var deletedAt *time.Time
	if ev.Deleted {
		deletedAt = &ev.LastModified
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.db.Schema+`."documents"
			(tenant_id, resource_type, resource_id, version_id, content, index, created_at, last_modified, deleted_at, method, is_deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, resource_type, resource_id) DO UPDATE SET
			version_id=$4, content=$5, index=$6, last_modified=$8, deleted_at=$9, method=$10, is_deleted=$11;`,
		ev.TenantID, ev.ResourceType, ev.ResourceID, ev.VersionID, ev.Content, idx,
		ev.LastModified, ev.LastModified, deletedAt, methodFor(ev), ev.Deleted)
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "upserting document")
	}
	return nil
}

func methodFor(ev SyncEvent) string {
	if ev.Deleted {
		return string(core.OperationDelete)
	}
	return string(core.OperationUpdate)
}
