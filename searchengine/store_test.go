package searchengine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/csql"
	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/fhirpath"
	"github.com/fhirstore/persistence/core/registry"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
	"github.com/fhirstore/persistence/searchengine"
)

type testConfig struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
}

var cfg testConfig

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Println("searchengine tests require Postgres connection details in environment variables")
		panic(err)
	}
	m.Run()
}

func allPermissions() *tenant.Permissions {
	p := tenant.NewPermissions()
	for _, op := range []core.Operation{
		core.OperationCreate, core.OperationRead, core.OperationUpdate,
		core.OperationDelete, core.OperationList,
	} {
		p.Allow(op, "*")
	}
	return p
}

func newTestStore(t *testing.T) *searchengine.Store {
	t.Helper()
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_searchengine_unit_test_")
	t.Cleanup(func() { db.Close() })
	db.ClearSchema()

	s := searchengine.New(searchengine.Configuration{DB: db, Name: "search-engine-test"})
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStoreApplyEventThenSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	ev := searchengine.SyncEvent{
		TenantID: "tenant-1", ResourceType: "Patient", ResourceID: "p1", VersionID: "1",
		Content: []byte(`{"resourceType":"Patient","id":"p1"}`), LastModified: time.Now().UTC(),
		Values: []extractor.ExtractedValue{
			{ParamName: "gender", ParamType: search.TypeToken, TokenCode: "male"},
		},
	}
	require.NoError(t, s.ApplyEvent(ctx, ev))

	sr, err := s.Read(ctx, tc, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", sr.ID)

	q := search.New("Patient").WithParameter(search.SearchParameter{
		Name: "gender", Type: search.TypeToken,
		Values: []search.SearchValue{{Prefix: search.PrefixEq, Value: "male"}},
	})
	page, err := s.Search(ctx, tc, q)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "p1", page.Entries[0].ID)
}

func TestStoreApplyEventTombstoneIsGone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	base := searchengine.SyncEvent{
		TenantID: "tenant-1", ResourceType: "Patient", ResourceID: "p2", VersionID: "1",
		Content: []byte(`{"resourceType":"Patient","id":"p2"}`), LastModified: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyEvent(ctx, base))

	deleted := base
	deleted.VersionID = "2"
	deleted.Deleted = true
	deleted.LastModified = time.Now().UTC()
	require.NoError(t, s.ApplyEvent(ctx, deleted))

	_, err := s.Read(ctx, tc, "Patient", "p2")
	require.Error(t, err)
	assert.True(t, fhirerr.Is(err, fhirerr.KindResource, fhirerr.CodeGone))
}

func TestStoreDirectWritesAreUnsupported(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	_, err := s.Create(ctx, tc, "Patient", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, fhirerr.IsKind(err, fhirerr.KindBackend))

	_, err = s.Update(ctx, tc, "Patient", "p1", []byte(`{}`))
	require.Error(t, err)

	err = s.Delete(ctx, tc, "Patient", "p1")
	require.Error(t, err)
}

func TestStoreTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := searchengine.SyncEvent{
		TenantID: "tenant-1", ResourceType: "Patient", ResourceID: "p3", VersionID: "1",
		Content: []byte(`{"resourceType":"Patient","id":"p3"}`), LastModified: time.Now().UTC(),
	}
	require.NoError(t, s.ApplyEvent(ctx, ev))

	other := tenant.New("tenant-2", allPermissions())
	_, err := s.Read(ctx, other, "Patient", "p3")
	require.Error(t, err)
	assert.True(t, fhirerr.IsKind(err, fhirerr.KindTenant))
}

func TestReindexerProjectsFromSourceBackend(t *testing.T) {
	se := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_searchengine_reindex_source_test_")
	t.Cleanup(func() { db.Close() })
	db.ClearSchema()
	params, err := registry.NewParamRegistry()
	require.NoError(t, err)
	fake := fhirpath.NewFake().Set("Patient.gender", "female")
	rb := backend.RowStoreBuilder{DB: db, Name: "reindex-source", Params: params, Evaluator: fake}.New()
	require.NoError(t, rb.Migrate(ctx))
	_, err = rb.Create(ctx, tc, "Patient", []byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)

	ex := extractor.New(params, fake, nil)
	reindexer := searchengine.NewReindexer(se, rb, ex, nil)
	jobID := reindexer.Start(tc, searchengine.ReindexRequest{ResourceTypes: []string{"Patient"}})

	require.Eventually(t, func() bool {
		p, ok := reindexer.Progress(jobID)
		return ok && !p.Status.IsRunning()
	}, 5*time.Second, 20*time.Millisecond)

	progress, ok := reindexer.Progress(jobID)
	require.True(t, ok)
	assert.Equal(t, searchengine.ReindexCompleted, progress.Status)
	assert.Equal(t, 1, progress.ProcessedResources)

	q := search.New("Patient").WithParameter(search.SearchParameter{
		Name: "gender", Type: search.TypeToken,
		Values: []search.SearchValue{{Prefix: search.PrefixEq, Value: "female"}},
	})
	page, err := se.Search(ctx, tc, q)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}
