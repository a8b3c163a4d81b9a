package bundletx_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirstore/persistence/bundletx"
	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/csql"
	"github.com/fhirstore/persistence/core/fhirpath"
	"github.com/fhirstore/persistence/core/registry"
	"github.com/fhirstore/persistence/core/tenant"
)

type testConfig struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
}

var cfg testConfig

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&cfg); err != nil {
		fmt.Println("bundletx tests require Postgres connection details in environment variables")
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

func newTestProcessor(t *testing.T) *bundletx.Processor {
	t.Helper()
	db := csql.OpenWithSchema(cfg.Postgres, cfg.PostgresPassword, "_bundletx_unit_test_")
	t.Cleanup(func() { db.Close() })
	db.ClearSchema()

	params, err := registry.NewParamRegistry()
	require.NoError(t, err)
	fake := fhirpath.NewFake()

	rb := backend.RowStoreBuilder{DB: db, Name: "bundletx-test", Params: params, Evaluator: fake}.New()
	require.NoError(t, rb.Migrate(context.Background()))
	return bundletx.New(rb, nil)
}

func TestProcessTransactionResolvesPlaceholderReferences(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	entries := []backend.BundleEntry{
		{
			FullURL:  "urn:uuid:patient-1",
			Method:   http.MethodPost,
			URL:      "Patient",
			Resource: []byte(`{"resourceType":"Patient"}`),
		},
		{
			Method:   http.MethodPost,
			URL:      "Observation",
			Resource: []byte(`{"resourceType":"Observation","subject":{"reference":"urn:uuid:patient-1"}}`),
		},
	}

	results, err := p.ProcessTransaction(ctx, tc, entries)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, http.StatusCreated, results[0].Status)
	assert.Equal(t, http.StatusCreated, results[1].Status)

	var observation map[string]interface{}
	require.NoError(t, json.Unmarshal(results[1].Resource, &observation))
	subject := observation["subject"].(map[string]interface{})
	assert.Equal(t, results[0].Location, subject["reference"])
}

func TestProcessTransactionRollsBackOnFailure(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	entries := []backend.BundleEntry{
		{
			FullURL:  "urn:uuid:patient-1",
			Method:   http.MethodPost,
			URL:      "Patient",
			Resource: []byte(`{"resourceType":"Patient"}`),
		},
		{
			Method:  http.MethodPut,
			URL:     "Patient/does-not-exist",
			IfMatch: `W/"1"`,
			Resource: []byte(`{"resourceType":"Patient"}`),
		},
	}

	_, err := p.ProcessTransaction(ctx, tc, entries)
	require.Error(t, err)

	count, err := p.Store.Count(ctx, tc, "Patient")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	entries := []backend.BundleEntry{
		{Method: http.MethodPost, URL: "Patient", Resource: []byte(`{"resourceType":"Patient"}`)},
		{Method: http.MethodGet, URL: "Patient/does-not-exist"},
	}

	results, err := p.ProcessBatch(ctx, tc, entries)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, http.StatusCreated, results[0].Status)
	assert.Equal(t, http.StatusNotFound, results[1].Status)
	assert.Error(t, results[1].Outcome)
}
