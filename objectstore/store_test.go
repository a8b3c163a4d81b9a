//go:build integration

// These tests require access to S3.
// to run these tests:
//     - define S3_ACCESS_ID, and S3_ACCESS_KEY to have access to the test bucket
//     - execute: 'go test -tags=integration ./objectstore/...'

package objectstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/tenant"
	"github.com/fhirstore/persistence/objectstore"
)

type s3Credentials struct {
	AccessID  string `env:"S3_ACCESS_ID"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	Bucket    string `env:"S3_TEST_BUCKET,default=kss-test"`
}

var creds s3Credentials

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&creds); err != nil {
		fmt.Println("object store tests require S3 credentials in environment variables")
		panic(err)
	}
	m.Run()
}

func newTestStore(t *testing.T) *objectstore.Store {
	t.Helper()
	if creds.AccessID == "" || creds.AccessKey == "" {
		t.Fatal("object store tests require S3 credentials to be provided in environment variables")
	}
	s, err := objectstore.New(context.Background(), objectstore.Configuration{
		AWSRegion: "eu-central-1",
		AccessID:  creds.AccessID,
		AccessKey: creds.AccessKey,
		Bucket:    creds.Bucket,
		KeyPrefix: t.Name() + time.Now().Format("2006-01-0215.04.05.9.00") + "/",
		Tenancy:   objectstore.TenancyPrefixPerTenant,
		Name:      "object-store-test",
	})
	require.NoError(t, err)
	return s
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

func TestObjectStoreCreateReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	sr, err := s.Create(ctx, tc, "Patient", []byte(`{"resourceType":"Patient","gender":"male"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", sr.VersionID)

	got, err := s.Read(ctx, tc, "Patient", sr.ID)
	require.NoError(t, err)
	assert.Equal(t, sr.ID, got.ID)
}

func TestObjectStoreUpdateProducesNextVersionAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	sr, err := s.Create(ctx, tc, "Patient", []byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)

	updated, err := s.UpdateWithMatch(ctx, tc, "Patient", sr.ID, []byte(`{"resourceType":"Patient","gender":"male"}`), sr.ETag())
	require.NoError(t, err)
	assert.Equal(t, "2", updated.VersionID)

	versions, err := s.ListVersions(ctx, tc, "Patient", sr.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "2", versions[0].VersionID)
	assert.Equal(t, "1", versions[1].VersionID)
}

func TestObjectStoreUpdateWithStaleMatchConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	sr, err := s.Create(ctx, tc, "Patient", []byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)

	_, err = s.UpdateWithMatch(ctx, tc, "Patient", sr.ID, []byte(`{"resourceType":"Patient"}`), `W/"99"`)
	require.Error(t, err)
	assert.True(t, fhirerr.Is(err, fhirerr.KindConcurrency, fhirerr.CodeVersionConflict))
}

func TestObjectStoreDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tc := tenant.New("tenant-1", allPermissions())

	sr, err := s.Create(ctx, tc, "Patient", []byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, tc, "Patient", sr.ID))
	require.NoError(t, s.Delete(ctx, tc, "Patient", sr.ID))

	_, err = s.Read(ctx, tc, "Patient", sr.ID)
	require.Error(t, err)
	assert.True(t, fhirerr.Is(err, fhirerr.KindResource, fhirerr.CodeGone))
}

func TestObjectStoreTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := tenant.New("tenant-a", allPermissions())
	other := tenant.New("tenant-b", allPermissions())

	sr, err := s.Create(ctx, owner, "Patient", []byte(`{"resourceType":"Patient"}`))
	require.NoError(t, err)

	_, err = s.Read(ctx, other, "Patient", sr.ID)
	require.Error(t, err)
	assert.True(t, fhirerr.IsKind(err, fhirerr.KindTenant))
}
