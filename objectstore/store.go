package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fhirstore/persistence/core"
	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/resource"
	"github.com/fhirstore/persistence/core/tenant"
)

// BucketResolver maps a tenant to the bucket its objects live in; only
// consulted in TenancyBucketPerTenant mode. Single-bucket deployments
// (TenancyPrefixPerTenant) ignore it.
type BucketResolver func(tc tenant.Context) string

// Configuration is the Builder-accumulated setup for a Store.
type Configuration struct {
	AWSRegion string
	AccessID  string
	AccessKey string
	Bucket    string
	KeyPrefix string
	Tenancy   TenancyMode
	BucketOf  BucketResolver
	Name      string
	Log       *zerolog.Logger
}

// Store is the reference object-store backend (§4.8): one bucket (or
// one bucket per tenant) holding a "resources/<Type>/<id>/current.json"
// projection plus "_history/<version>.json" for every version.
type Store struct {
	client    *s3.Client
	bucket    string
	bucketOf  BucketResolver
	tenancy   TenancyMode
	ks        keyspace
	name      string
	log       zerolog.Logger
}

// New builds a Store from cfg: static credentials if supplied, the
// default AWS provider chain otherwise.
func New(ctx context.Context, cfg Configuration) (*Store, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if cfg.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessID, cfg.AccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	log := logger.Default()
	if cfg.Log != nil {
		log = *cfg.Log
	}
	tenancy := cfg.Tenancy
	if tenancy == "" {
		tenancy = TenancyPrefixPerTenant
	}
	return &Store{
		client:   s3.NewFromConfig(awsCfg),
		bucket:   cfg.Bucket,
		bucketOf: cfg.BucketOf,
		tenancy:  tenancy,
		ks:       newKeyspace(cfg.KeyPrefix),
		name:     cfg.Name,
		log:      log,
	}, nil
}

func (s *Store) bucketFor(tc tenant.Context) string {
	if s.tenancy == TenancyBucketPerTenant && s.bucketOf != nil {
		return s.bucketOf(tc)
	}
	return s.bucket
}

func (s *Store) tenantPrefix(tc tenant.Context) keyspace {
	if s.tenancy == TenancyPrefixPerTenant {
		return newKeyspace(s.ks.basePrefix + string(tc.TenantID) + "/")
	}
	return s.ks
}

// Kind implements backend.StorageBackend.
func (s *Store) Kind() capability.Kind { return capability.KindObjectStore }

// Name implements backend.StorageBackend.
func (s *Store) Name() string { return s.name }

// Capabilities implements backend.StorageBackend. The object store
// supports versioned CRUD and instance history but, unlike the
// row-store, has no side index to search against (§4.8 Non-goals).
func (s *Store) Capabilities() capability.Set {
	return capability.NewSet(
		capability.CapVersionedStorage, capability.CapInstanceHistory,
		capability.CapConditionalCreate, capability.CapConditionalUpdate, capability.CapConditionalDelete,
	)
}

// Initialize implements backend.StorageBackend; verifies the bucket is
// reachable.
func (s *Store) Initialize(ctx context.Context) error {
	return s.HealthCheck(ctx)
}

// Migrate implements backend.StorageBackend. An object store has no
// schema to migrate; the keyspace is created implicitly by the first
// write to it.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// HealthCheck implements backend.StorageBackend.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeUnavailable, err, "object store bucket %s unreachable", s.bucket)
	}
	return nil
}

// envelope is the on-disk shape of every object this backend writes,
// wrapping a StoredResource's metadata around its raw content.
type envelope struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	VersionID    string          `json:"versionId"`
	TenantID     string          `json:"tenantId"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastModified time.Time       `json:"lastModified"`
	DeletedAt    *time.Time      `json:"deletedAt,omitempty"`
	Method       string          `json:"method"`
}

func (e envelope) toStoredResource() *resource.StoredResource {
	return &resource.StoredResource{
		ResourceType: e.ResourceType,
		ID:           e.ID,
		VersionID:    e.VersionID,
		TenantID:     tenant.ID(e.TenantID),
		Content:      e.Content,
		CreatedAt:    e.CreatedAt,
		LastModified: e.LastModified,
		DeletedAt:    e.DeletedAt,
		Method:       core.Operation(e.Method),
	}
}

func (s *Store) putObject(ctx context.Context, bucket, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

func (s *Store) getObject(ctx context.Context, bucket, key string) (*envelope, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Create implements backend.ResourceStorage (§4.3, §4.8): fails with
// already-exists if a current object is already present at this key.
func (s *Store) Create(ctx context.Context, tc tenant.Context, resourceType string, content []byte) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationCreate, resourceType); err != nil {
		return nil, err
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidResource, "malformed resource body: %s", err.Error())
	}
	id := probe.ID
	if id == "" {
		id = uuid.NewString()
	}

	bucket := s.bucketFor(tc)
	ks := s.tenantPrefix(tc)

	existing, err := s.getObject(ctx, bucket, ks.currentKey(resourceType, id))
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "checking for an existing object")
	}
	if existing != nil {
		return nil, fhirerr.AlreadyExists(resourceType, id)
	}

	now := time.Now().UTC()
	e := envelope{
		ResourceType: resourceType, ID: id, VersionID: resource.FirstVersion,
		TenantID: string(tc.TenantID), Content: content, CreatedAt: now, LastModified: now,
		Method: string(core.OperationCreate),
	}
	if err := s.writeVersion(ctx, bucket, ks, e); err != nil {
		return nil, err
	}
	return e.toStoredResource(), nil
}

// writeVersion persists e as both the new history entry and the
// current projection, history first so a crash between the two writes
// never loses a version, only temporarily leaves "current" stale.
func (s *Store) writeVersion(ctx context.Context, bucket string, ks keyspace, e envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "marshaling object envelope")
	}
	if err := s.putObject(ctx, bucket, ks.historyKey(e.ResourceType, e.ID, e.VersionID), body); err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "writing history object")
	}
	if err := s.putObject(ctx, bucket, ks.currentKey(e.ResourceType, e.ID), body); err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "writing current object")
	}
	return nil
}

// Read implements backend.ResourceStorage.
func (s *Store) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	ks := s.tenantPrefix(tc)
	e, err := s.getObject(ctx, s.bucketFor(tc), ks.currentKey(resourceType, id))
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading object")
	}
	if e == nil {
		return nil, fhirerr.NotFound(resourceType, id)
	}
	sr := e.toStoredResource()
	if err := tc.CheckAccess(sr.TenantID); err != nil {
		return nil, err
	}
	if sr.IsDeleted() {
		return nil, fhirerr.Gone(resourceType, id)
	}
	return sr, nil
}

// Update implements backend.ResourceStorage with unconditional
// overwrite semantics.
func (s *Store) Update(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte) (*resource.StoredResource, error) {
	return s.UpdateWithMatch(ctx, tc, resourceType, id, content, "*")
}

// UpdateWithMatch implements backend.VersionedStorage (§4.4). The
// optimistic-concurrency check compares the caller's expected version
// against the version currently stored, exactly as the row-store does;
// unlike the row-store there is no single atomic statement enforcing
// it, so a second writer racing between this read and its own write
// can still win — a known limitation of a plain object store without
// a conditional-write primitive, acceptable for a reference backend.
func (s *Store) UpdateWithMatch(ctx context.Context, tc tenant.Context, resourceType, id string, content []byte, expectedETag string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationUpdate, resourceType); err != nil {
		return nil, err
	}
	bucket := s.bucketFor(tc)
	ks := s.tenantPrefix(tc)

	current, err := s.getObject(ctx, bucket, ks.currentKey(resourceType, id))
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading current object")
	}
	if current == nil {
		return nil, fhirerr.NotFound(resourceType, id)
	}
	currentTenant := tenant.ID(current.TenantID)
	if err := tc.CheckAccess(currentTenant); err != nil {
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
	e := envelope{
		ResourceType: resourceType, ID: id, VersionID: next,
		TenantID: current.TenantID, Content: content, CreatedAt: current.CreatedAt,
		LastModified: now, Method: string(core.OperationUpdate),
	}
	if err := s.writeVersion(ctx, bucket, ks, e); err != nil {
		return nil, err
	}
	return e.toStoredResource(), nil
}

// Delete implements backend.ResourceStorage; idempotent per §4.3.
func (s *Store) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	return s.DeleteWithMatch(ctx, tc, resourceType, id, "*")
}

// DeleteWithMatch implements backend.VersionedStorage.
func (s *Store) DeleteWithMatch(ctx context.Context, tc tenant.Context, resourceType, id, expectedETag string) error {
	if err := tc.CheckPermission(core.OperationDelete, resourceType); err != nil {
		return err
	}
	bucket := s.bucketFor(tc)
	ks := s.tenantPrefix(tc)

	current, err := s.getObject(ctx, bucket, ks.currentKey(resourceType, id))
	if err != nil {
		return fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading current object")
	}
	if current == nil {
		return nil
	}
	currentTenant := tenant.ID(current.TenantID)
	if err := tc.CheckAccess(currentTenant); err != nil {
		return err
	}
	if current.DeletedAt != nil {
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
	e := envelope{
		ResourceType: resourceType, ID: id, VersionID: next,
		TenantID: current.TenantID, Content: []byte("{}"), CreatedAt: current.CreatedAt,
		LastModified: now, DeletedAt: &now, Method: string(core.OperationDelete),
	}
	return s.writeVersion(ctx, bucket, ks, e)
}

// VRead implements backend.VersionedStorage.
func (s *Store) VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (*resource.StoredResource, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	ks := s.tenantPrefix(tc)
	e, err := s.getObject(ctx, s.bucketFor(tc), ks.historyKey(resourceType, id, versionID))
	if err != nil {
		return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading history object")
	}
	if e == nil {
		return nil, fhirerr.New(fhirerr.KindResource, fhirerr.CodeVersionNotFound,
			"%s/%s has no version %s", resourceType, id, versionID)
	}
	sr := e.toStoredResource()
	if err := tc.CheckAccess(sr.TenantID); err != nil {
		return nil, err
	}
	return sr, nil
}

// ListVersions implements backend.VersionedStorage.
func (s *Store) ListVersions(ctx context.Context, tc tenant.Context, resourceType, id string) ([]*resource.StoredResource, error) {
	page, err := s.InstanceHistory(ctx, tc, resourceType, id, "", "", 0, "")
	if err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// InstanceHistory implements backend.InstanceHistoryProvider, newest
// first per §4.3.
func (s *Store) InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, since, before string, count int, cursor string) (*backend.HistoryPage, error) {
	if err := tc.CheckPermission(core.OperationRead, resourceType); err != nil {
		return nil, err
	}
	ks := s.tenantPrefix(tc)
	bucket := s.bucketFor(tc)
	prefix := ks.historyPrefix(resourceType, id)

	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket), Prefix: aws.String(prefix), ContinuationToken: token,
		})
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "listing history objects")
		}
		for _, item := range out.Contents {
			keys = append(keys, aws.ToString(item.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	var entries []*resource.StoredResource
	for _, key := range keys {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading history object")
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "reading history object body")
		}
		var e envelope
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeInternal, err, "unmarshaling history object")
		}
		sr := e.toStoredResource()
		if tc.CheckAccess(sr.TenantID) != nil {
			continue
		}
		entries = append(entries, sr)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastModified.Equal(entries[j].LastModified) {
			return entries[i].LastModified.After(entries[j].LastModified)
		}
		return entries[i].ID < entries[j].ID
	})
	return &backend.HistoryPage{Entries: entries}, nil
}

// Count implements backend.ResourceStorage by listing the type's
// current-projection objects; an approximation since it cannot use an
// index, acceptable for a reference backend with no search support.
func (s *Store) Count(ctx context.Context, tc tenant.Context, resourceType string) (int, error) {
	if err := tc.CheckPermission(core.OperationList, resourceType); err != nil {
		return 0, err
	}
	ks := s.tenantPrefix(tc)
	bucket := s.bucketFor(tc)
	prefix := ks.typePrefix(resourceType)

	n := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket), Prefix: aws.String(prefix), ContinuationToken: token,
		})
		if err != nil {
			return 0, fhirerr.Wrap(fhirerr.KindBackend, fhirerr.CodeQueryError, err, "listing objects")
		}
		for _, item := range out.Contents {
			if len(*item.Key) >= len("current.json") && (*item.Key)[len(*item.Key)-len("current.json"):] == "current.json" {
				n++
			}
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return n, nil
}
