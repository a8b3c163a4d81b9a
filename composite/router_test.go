package composite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirstore/persistence/composite"
	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/search"
	"github.com/fhirstore/persistence/core/tenant"
)

// baseFake satisfies backend.StorageBackend so the scenario-specific
// fakes below only need to add the methods their test cares about.
type baseFake struct {
	kind capability.Kind
	name string
	caps capability.Set
}

func (b *baseFake) Kind() capability.Kind           { return b.kind }
func (b *baseFake) Name() string                    { return b.name }
func (b *baseFake) Capabilities() capability.Set    { return b.caps }
func (b *baseFake) Initialize(ctx context.Context) error { return nil }
func (b *baseFake) Migrate(ctx context.Context) error    { return nil }
func (b *baseFake) HealthCheck(ctx context.Context) error { return nil }

// writeFake is a ResourceStorage-only backend, standing in for the
// row-store in these routing tests.
type writeFake struct {
	baseFake
	created bool
}

func (f *writeFake) Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error) {
	f.created = true
	return &resource.StoredResource{ResourceType: resourceType, ID: "w1"}, nil
}
func (f *writeFake) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error) {
	return &resource.StoredResource{ResourceType: resourceType, ID: id}, nil
}
func (f *writeFake) Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error) {
	return &resource.StoredResource{ResourceType: resourceType, ID: id}, nil
}
func (f *writeFake) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return nil
}
func (f *writeFake) Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error) {
	return 0, nil
}

// searchFake is a SearchProvider backend, standing in for a
// search-engine member of the composite.
type searchFake struct {
	writeFake
	searched bool
}

func (f *searchFake) Search(ctx context.Context, tc tenant.Context, q *search.SearchQuery) (*backend.SearchPage, error) {
	f.searched = true
	return &backend.SearchPage{}, nil
}

func allPermissions() *tenant.Permissions {
	p := tenant.NewPermissions()
	for _, op := range []core.Operation{core.OperationCreate, core.OperationRead, core.OperationList} {
		p.Allow(op, "*")
	}
	return p
}

func TestRouterRoutesWritesToWriteBackend(t *testing.T) {
	wf := &writeFake{baseFake: baseFake{kind: capability.KindRowStore, name: "rowstore", caps: capability.NewSet()}}
	sf := &searchFake{writeFake: writeFake{baseFake: baseFake{kind: capability.KindSearchEngine, name: "searchengine", caps: capability.NewSet(capability.CapSearch)}}}

	r, err := composite.NewRouter("composite-test", nil, wf, sf)
	require.NoError(t, err)

	tc := tenant.New("tenant-1", allPermissions())
	_, err = r.Create(context.Background(), tc, "Patient", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, wf.created)
	assert.False(t, sf.created)
}

func TestRouterRoutesSearchToSearchBackend(t *testing.T) {
	wf := &writeFake{baseFake: baseFake{kind: capability.KindRowStore, name: "rowstore", caps: capability.NewSet()}}
	sf := &searchFake{writeFake: writeFake{baseFake: baseFake{kind: capability.KindSearchEngine, name: "searchengine", caps: capability.NewSet(capability.CapSearch)}}}

	r, err := composite.NewRouter("composite-test", nil, wf, sf)
	require.NoError(t, err)

	tc := tenant.New("tenant-1", allPermissions())
	_, err = r.Search(context.Background(), tc, search.New("Patient"))
	require.NoError(t, err)
	assert.True(t, sf.searched)
}

func TestRouterFallsBackToSoleBackendForSearch(t *testing.T) {
	sf := &searchFake{writeFake: writeFake{baseFake: baseFake{kind: capability.KindRowStore, name: "rowstore", caps: capability.NewSet(capability.CapSearch)}}}

	r, err := composite.NewRouter("composite-test", nil, sf)
	require.NoError(t, err)

	tc := tenant.New("tenant-1", allPermissions())
	_, err = r.Search(context.Background(), tc, search.New("Patient"))
	require.NoError(t, err)
	assert.True(t, sf.searched)
}

func TestNewRouterRejectsNoResourceStorageMember(t *testing.T) {
	onlyBase := &baseFake{kind: capability.KindSearchEngine, name: "bare", caps: capability.NewSet()}
	_, err := composite.NewRouter("composite-test", nil, onlyBase)
	require.Error(t, err)
}

func TestRouterCapabilitiesIsUnion(t *testing.T) {
	wf := &writeFake{baseFake: baseFake{kind: capability.KindRowStore, name: "rowstore", caps: capability.NewSet(capability.CapVersionedStorage)}}
	sf := &searchFake{writeFake: writeFake{baseFake: baseFake{kind: capability.KindSearchEngine, name: "searchengine", caps: capability.NewSet(capability.CapSearch)}}}

	r, err := composite.NewRouter("composite-test", nil, wf, sf)
	require.NoError(t, err)

	caps := r.Capabilities()
	assert.True(t, caps.Supports(capability.CapVersionedStorage))
	assert.True(t, caps.Supports(capability.CapSearch))
}
