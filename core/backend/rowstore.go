package backend

import (
	"context"
	gosql "database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/csql"
	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/fhirpath"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/querybuilder"
	"github.com/fhirstore/persistence/core/registry"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/schema"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
	"github.com/fhirstore/persistence/core/writer"
)

// resourceColumns is the fixed column order of the resources/history
// tables, shared by every INSERT/SELECT so scanRow and the query
// builder's "r.*" agree on shape.
var resourceColumns = []string{
	"tenant_id", "resource_type", "resource_id", "version_id",
	"content", "created_at", "last_modified", "deleted_at", "method", "is_deleted",
}

// RowStoreBackend is the reference backend of §4.7: each resource is a
// row keyed by (tenant, type, id) with a parallel history table and a
// typed search_index side table. Its Builder-style construction and
// single *csql.DB-per-backend shape follow the Config-struct-then-New
// pattern pkg/manager.Manager builds on; its resources/history/
// search_index tables replace that package's bbolt buckets with
// Postgres rows, one per entity, since a FHIR store needs relational
// search over extracted index columns that a plain key-value bucket
// store does not provide.
type RowStoreBackend struct {
	db        *csql.DB
	name      string
	params    *registry.ParamRegistry
	evaluator fhirpath.Evaluator
	extractor *extractor.Extractor
	writer    *writer.RowStoreWriter
	validator *schema.Validator
	log       zerolog.Logger
}

// RowStoreBuilder accumulates configuration before a single New() call,
// mirroring pkg/manager.Config's accumulate-then-construct shape.
type RowStoreBuilder struct {
	DB        *csql.DB
	Name      string
	Params    *registry.ParamRegistry
	Evaluator fhirpath.Evaluator
	// Validator, if set, gates Create/Update on the resource body
	// validating against a JSON schema registered under the
	// resource's type name (core/schema, built on gojsonschema). A
	// nil Validator, or one with no schema registered for a given
	// resource type, skips validation entirely.
	Validator *schema.Validator
	Log       *zerolog.Logger
}

// New builds the backend from the accumulated Builder fields.
func (b RowStoreBuilder) New() *RowStoreBackend {
	log := logger.Default()
	if b.Log != nil {
		log = *b.Log
	}
	return &RowStoreBackend{
		db:        b.DB,
		name:      b.Name,
		params:    b.Params,
		evaluator: b.Evaluator,
		extractor: extractor.New(b.Params, b.Evaluator, &log),
		writer:    writer.NewRowStoreWriter(b.DB.Schema),
		validator: b.Validator,
		log:       log,
	}
}

// validate checks content against the schema registered for
// resourceType, if any (§2's validation layer). Absence of a
// registered schema is not an error: schema registration is optional
// per resource type.
func (r *RowStoreBackend) validate(resourceType string, content []byte) error {
	if r.validator == nil || !r.validator.HasSchema(resourceType) {
		return nil
	}
	if err := r.validator.ValidateString(string(content), resourceType); err != nil {
		return fhirerr.Wrap(fhirerr.KindValidation, fhirerr.CodeInvalidResource, err,
			"%s does not conform to its registered schema", resourceType)
	}
	return nil
}

// Kind implements StorageBackend.
func (r *RowStoreBackend) Kind() capability.Kind { return capability.KindRowStore }

// Name implements StorageBackend.
func (r *RowStoreBackend) Name() string { return r.name }

// Capabilities implements StorageBackend.
func (r *RowStoreBackend) Capabilities() capability.Set {
	return capability.NewSet(
		capability.CapVersionedStorage, capability.CapInstanceHistory, capability.CapTypeHistory,
		capability.CapSystemHistory, capability.CapSearch, capability.CapMultiTypeSearch,
		capability.CapTransaction, capability.CapBundle,
		capability.CapConditionalCreate, capability.CapConditionalUpdate, capability.CapConditionalDelete,
		capability.CapUpsert,
	)
}

// Initialize implements StorageBackend; the row-store has nothing to
// warm beyond what Migrate creates.
func (r *RowStoreBackend) Initialize(ctx context.Context) error { return nil }

// HealthCheck implements StorageBackend.
func (r *RowStoreBackend) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Migrate implements StorageBackend: creates the resources, history
// and search_index tables of §4.7/§6.5 if they do not already exist.
// Migrations are additive only, per §6.5.
func (r *RowStoreBackend) Migrate(ctx context.Context) error {
	schema := r.db.Schema
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + schema + `."resources" (
			tenant_id varchar NOT NULL,
			resource_type varchar NOT NULL,
			resource_id varchar NOT NULL,
			version_id varchar NOT NULL,
			content jsonb NOT NULL,
			created_at timestamptz NOT NULL,
			last_modified timestamptz NOT NULL,
			deleted_at timestamptz,
			method varchar NOT NULL,
			is_deleted boolean NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, resource_type, resource_id)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `."history" (
			tenant_id varchar NOT NULL,
			resource_type varchar NOT NULL,
			resource_id varchar NOT NULL,
			version_id varchar NOT NULL,
			content jsonb NOT NULL,
			created_at timestamptz NOT NULL,
			last_modified timestamptz NOT NULL,
			deleted_at timestamptz,
			method varchar NOT NULL,
			is_deleted boolean NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, resource_type, resource_id, version_id)
		);`,
		`CREATE TABLE IF NOT EXISTS ` + schema + `."search_index" (
			tenant_id varchar NOT NULL,
			resource_type varchar NOT NULL,
			resource_id varchar NOT NULL,
			version_id varchar NOT NULL,
			param_name varchar NOT NULL,
			param_url varchar,
			param_type varchar NOT NULL,
			composite_group integer NOT NULL DEFAULT 0,
			value_string varchar,
			value_token_system varchar,
			value_token_code varchar,
			value_date timestamptz,
			value_date_end timestamptz,
			value_date_precision varchar,
			value_number double precision,
			value_quantity_value double precision,
			value_quantity_unit varchar,
			value_quantity_system varchar,
			value_reference varchar,
			value_uri varchar
		);`,
		`CREATE INDEX IF NOT EXISTS search_index_lookup ON ` + schema + `."search_index" (tenant_id, resource_type, resource_id, param_name);`,
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			r.log.Error().Err(err).Str("schema", schema).Msg("migrating row-store schema")
			return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeMigrationError, err, "migrating row-store schema")
		}
	}
	r.log.Debug().Str("schema", schema).Msg("row-store schema migrated")
	return nil
}

func scanRow(row interface{ Scan(...interface{}) error }) (*resource.StoredResource, error) {
	var (
		sr          resource.StoredResource
		tenantID    string
		content     []byte
		deletedAt   gosql.NullTime
		method      string
		isDeleted   bool
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

// Create implements ResourceStorage (§4.3).
func (r *RowStoreBackend) Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationCreate, resourceType); err != nil {
		return nil, err
	}
	if err := r.validate(resourceType, content); err != nil {
		return nil, err
	}
	id, err := contentID(content)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeConnectionFailed, err, "beginning create transaction")
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+r.db.Schema+`."resources" WHERE tenant_id=$1 AND resource_type=$2 AND resource_id=$3);`,
		string(tc.TenantID), resourceType, id).Scan(&exists)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "checking resource existence")
	}
	if exists {
		return nil, fhirerr.AlreadyExists(resourceType, id)
	}

	now := time.Now().UTC()
	sr := &resource.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: resource.FirstVersion,
		TenantID: tc.TenantID, Content: content, CreatedAt: now, LastModified: now,
		Method: core.OperationCreate,
	}
	if err := r.insertVersion(ctx, tx, sr, ""); err != nil {
		return nil, err
	}
	if err := r.writeIndex(tx, sr); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "committing create")
	}
	r.log.Debug().Str("url", sr.URL()).Msg("created")
	return sr, nil
}

// Read implements ResourceStorage (§4.3).
func (r *RowStoreBackend) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+colList("")+` FROM `+r.db.Schema+`."resources" WHERE resource_type=$1 AND resource_id=$2;`,
		resourceType, id)
	sr, err := scanRow(row)
	if err == csql.ErrNoRows {
		return nil, fhirerr.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading resource")
	}
	if err := tc.CheckAccess(sr.TenantID); err != nil {
		return nil, err
	}
	if sr.IsDeleted() {
		return nil, fhirerr.Gone(resourceType, id)
	}
	return sr, nil
}

// Update implements ResourceStorage, with unconditional overwrite
// semantics ("*" match, §4.4).
func (r *RowStoreBackend) Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error) {
	return r.UpdateWithMatch(ctx, tc, resourceType, id, content, "*")
}

// UpdateWithMatch implements VersionedStorage (§4.4).
func (r *RowStoreBackend) UpdateWithMatch(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte, expectedETag string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationUpdate, resourceType); err != nil {
		return nil, err
	}
	if err := r.validate(resourceType, content); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeConnectionFailed, err, "beginning update transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+colList("")+` FROM `+r.db.Schema+`."resources" WHERE resource_type=$1 AND resource_id=$2 FOR UPDATE;`,
		resourceType, id)
	current, err := scanRow(row)
	if err == csql.ErrNoRows {
		return nil, fhirerr.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "locking resource for update")
	}
	if err := tc.CheckAccess(current.TenantID); err != nil {
		return nil, err
	}
	if !resource.MatchesETag(expectedETag, current.VersionID) {
		return nil, fhirerr.VersionConflict(resourceType, id, resource.NormalizeETag(expectedETag), current.VersionID)
	}

	next, err := resource.NextVersion(current.VersionID)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "computing next version")
	}
	now := time.Now().UTC()
	sr := &resource.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: next,
		TenantID: current.TenantID, Content: content, CreatedAt: current.CreatedAt,
		LastModified: now, Method: core.OperationUpdate,
	}
	if err := r.insertVersion(ctx, tx, sr, current.VersionID); err != nil {
		return nil, err
	}
	if err := r.writeIndex(tx, sr); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "committing update")
	}
	return sr, nil
}

// Delete implements ResourceStorage; idempotent per §4.3.
func (r *RowStoreBackend) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return r.DeleteWithMatch(ctx, tc, resourceType, id, "*")
}

// DeleteWithMatch implements VersionedStorage; deleting an
// already-deleted or nonexistent resource is a no-op success (§4.3,
// §8's idempotent-delete boundary behavior).
func (r *RowStoreBackend) DeleteWithMatch(ctx context.Context, tc tenant.Context, resourceType, id, expectedETag string) error {
	if err := tc.CheckPermission(core.OperationDelete, resourceType); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeConnectionFailed, err, "beginning delete transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+colList("")+` FROM `+r.db.Schema+`."resources" WHERE resource_type=$1 AND resource_id=$2 FOR UPDATE;`,
		resourceType, id)
	current, err := scanRow(row)
	if err == csql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "locking resource for delete")
	}
	if err := tc.CheckAccess(current.TenantID); err != nil {
		return err
	}
	if current.IsDeleted() {
		return nil
	}
	if !resource.MatchesETag(expectedETag, current.VersionID) {
		return fhirerr.VersionConflict(resourceType, id, resource.NormalizeETag(expectedETag), current.VersionID)
	}

	next, err := resource.NextVersion(current.VersionID)
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "computing next version")
	}
	now := time.Now().UTC()
	sr := &resource.StoredResource{
		ResourceType: resourceType, ID: id, VersionID: next,
		TenantID: current.TenantID, Content: []byte("{}"), CreatedAt: current.CreatedAt,
		LastModified: now, DeletedAt: &now, Method: core.OperationDelete,
	}
	if err := r.insertVersion(ctx, tx, sr, current.VersionID); err != nil {
		return err
	}
	if err := r.writeIndex(tx, sr); err != nil {
		return err
	}
	return tx.Commit()
}

// VRead implements VersionedStorage (§4.4).
func (r *RowStoreBackend) VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+colList("")+` FROM `+r.db.Schema+`."history" WHERE resource_type=$1 AND resource_id=$2 AND version_id=$3;`,
		resourceType, id, versionID)
	sr, err := scanRow(row)
	if err == csql.ErrNoRows {
		return nil, fhirerr.New(fhirerr.KindResource, fhirerr.CodeVersionNotFound,
			"%s/%s has no version %s", resourceType, id, versionID)
	}
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading history version")
	}
	if err := tc.CheckAccess(sr.TenantID); err != nil {
		return nil, err
	}
	return sr, nil
}

// ListVersions implements VersionedStorage.
func (r *RowStoreBackend) ListVersions(ctx context.Context, tc tenant.Context, resourceType, id string) ([]*resource.StoredResource, error) {
	page, err := r.InstanceHistory(ctx, tc, resourceType, id, "", "", 0, "")
	if err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// InstanceHistory implements InstanceHistoryProvider; returns newest
// first, per §4.3.
func (r *RowStoreBackend) InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, since, before string, count int, cursor string) (*HistoryPage, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+colList("")+` FROM `+r.db.Schema+`."history" WHERE resource_type=$1 AND resource_id=$2 ORDER BY last_modified DESC, resource_id ASC;`,
		resourceType, id)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "listing history")
	}
	defer rows.Close()

	var out []*resource.StoredResource
	for rows.Next() {
		sr, err := scanRow(rows)
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "scanning history row")
		}
		if tc.CheckAccess(sr.TenantID) != nil {
			continue
		}
		out = append(out, sr)
	}
	return &HistoryPage{Entries: out}, nil
}

// Count implements ResourceStorage.
func (r *RowStoreBackend) Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error) {
	if err := tc.CheckPermission(core.OperationList, resourceType); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+r.db.Schema+`."resources" WHERE tenant_id=$1 AND resource_type=$2 AND is_deleted=false;`,
		string(tc.TenantID), resourceType).Scan(&n)
	if err != nil {
		return 0, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "counting resources")
	}
	return n, nil
}

// Search implements SearchProvider (§4.5).
func (r *RowStoreBackend) Search(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*SearchPage, error) {
	if err := tc.CheckPermission(core.OperationList, q.ResourceType); err != nil {
		return nil, err
	}
	rq, err := querybuilder.BuildRowStore(r.db.Schema, string(tc.TenantID), q)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, rq.SQL, rq.Args...)
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "executing search query")
	}
	defer rows.Close()

	var entries []*resource.StoredResource
	for rows.Next() {
		sr, err := scanRow(rows)
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "scanning search row")
		}
		entries = append(entries, sr)
	}

	page := &SearchPage{Entries: entries}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		page.Next = search.Cursor{SortKey: last.LastModified.UTC().Format(time.RFC3339Nano), ResourceID: last.ID}.Encode()
	}
	return page, nil
}

// BeginTransaction implements TransactionProvider (§5).
func (r *RowStoreBackend) BeginTransaction(ctx context.Context, isolation IsolationLevel, timeoutMillis int) (Transaction, error) {
	opts := &gosql.TxOptions{}
	switch isolation {
	case IsolationReadCommitted, "":
		opts.Isolation = gosql.LevelReadCommitted
	case IsolationRepeatableRead, IsolationSnapshot:
		opts.Isolation = gosql.LevelRepeatableRead
	case IsolationSerializable:
		opts.Isolation = gosql.LevelSerializable
	default:
		return nil, fhirerr.New(fhirerr.KindTransaction, fhirerr.CodeUnsupportedIsolationLevel,
			"isolation level %q is not supported", isolation)
	}
	cancel := func() {}
	if timeoutMillis > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
	}
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		cancel()
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeConnectionFailed, err, "beginning transaction")
	}
	return sqlTransaction{tx: tx, cancel: cancel}, nil
}

// sqlTransaction adapts *sql.Tx to the Transaction interface, releasing
// the timeout context (if any) once the caller commits or rolls back.
type sqlTransaction struct {
	tx     *gosql.Tx
	cancel context.CancelFunc
}

func (t sqlTransaction) Commit() error {
	defer t.cancel()
	return t.tx.Commit()
}

func (t sqlTransaction) Rollback() error {
	defer t.cancel()
	return t.tx.Rollback()
}

// Extractor implements backend.ExtractorFor.
func (r *RowStoreBackend) Extractor() *extractor.Extractor { return r.extractor }

// insertVersion writes sr as a new history row and either inserts or
// updates the current-row projection in "resources". When
// expectedCurrentVersion is non-empty, the update to "resources" is
// conditioned on that version still being current: this is the
// optimistic-concurrency check of §4.4, and the caller has already
// locked the row with SELECT ... FOR UPDATE, so a zero rows-affected
// result here can only mean a concurrent writer won the race between
// the lock and this statement.
func (r *RowStoreBackend) insertVersion(ctx context.Context, tx *gosql.Tx, sr *resource.StoredResource, expectedCurrentVersion string) error {
	schema := r.db.Schema
	if expectedCurrentVersion != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+schema+`."resources" SET version_id=$1, content=$2, last_modified=$3, deleted_at=$4, method=$5, is_deleted=$6
			 WHERE tenant_id=$7 AND resource_type=$8 AND resource_id=$9 AND version_id=$10;`,
			sr.VersionID, sr.Content, sr.LastModified, sr.DeletedAt, string(sr.Method), sr.IsDeleted(),
			string(sr.TenantID), sr.ResourceType, sr.ID, expectedCurrentVersion)
		if err != nil {
			return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "updating current resource row")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fhirerr.VersionConflict(sr.ResourceType, sr.ID, expectedCurrentVersion, sr.VersionID)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+schema+`."resources" (tenant_id,resource_type,resource_id,version_id,content,created_at,last_modified,deleted_at,method,is_deleted)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
			string(sr.TenantID), sr.ResourceType, sr.ID, sr.VersionID, sr.Content,
			sr.CreatedAt, sr.LastModified, sr.DeletedAt, string(sr.Method), sr.IsDeleted()); err != nil {
			return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "inserting current resource row")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+schema+`."history" (tenant_id,resource_type,resource_id,version_id,content,created_at,last_modified,deleted_at,method,is_deleted)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		string(sr.TenantID), sr.ResourceType, sr.ID, sr.VersionID, sr.Content,
		sr.CreatedAt, sr.LastModified, sr.DeletedAt, string(sr.Method), sr.IsDeleted()); err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "inserting history row")
	}
	return nil
}

func (r *RowStoreBackend) writeIndex(tx *gosql.Tx, sr *resource.StoredResource) error {
	values := r.extractor.Extract(sr.ResourceType, sr.Content)
	return r.writer.WriteIndex(writer.ResourceRef{
		TenantID: string(sr.TenantID), ResourceType: sr.ResourceType, ResourceID: sr.ID,
		VersionID: sr.VersionID, Tx: tx,
	}, values)
}

// contentID extracts the "id" field from a resource body, if present,
// per §4.3's "fails with already-exists if the content carries an id
// already in use".
func contentID(content []byte) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return "", fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidResource, "malformed resource body: %s", err.Error())
	}
	return probe.ID, nil
}

func colList(prefix string) string {
	out := ""
	for i, c := range resourceColumns {
		if i > 0 {
			out += ","
		}
		out += prefix + c
	}
	return out
}
