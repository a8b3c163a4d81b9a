// Package bundletx processes FHIR transaction and batch bundles (§6.4)
// against any backend that satisfies backend.VersionedStorage plus
// backend.TransactionProvider. A transaction bundle's entries form a
// DAG of urn:uuid: placeholder references: pass one assigns every POST
// entry its final resource id, pass two rewrites every entry's body to
// replace placeholders with final "Type/id" references, then the
// entries execute in bundle order.
package bundletx

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/fhirstore/persistence/core/backend"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/tenant"
)

// Store is the subset of the backend trait stack a bundle needs: CRUD
// with optimistic-concurrency matching, plus TransactionProvider as a
// capability gate — only backends that advertise native transaction
// support (§4.1 level 4) are eligible bundle targets, even though
// ProcessTransaction itself achieves atomicity through compensating
// rollback rather than BeginTransaction directly (see ProcessTransaction).
type Store interface {
	backend.VersionedStorage
	backend.TransactionProvider
}

// Processor executes bundle entries against one Store.
type Processor struct {
	Store Store
	Log   zerolog.Logger
}

// New builds a Processor, defaulting Log the way every other backend
// builder in this tree defaults an unset logger.
func New(store Store, log *zerolog.Logger) *Processor {
	l := logger.Default()
	if log != nil {
		l = *log
	}
	return &Processor{Store: store, Log: l}
}

// ProcessTransaction implements backend.BundleProvider: all entries
// commit together or none do (§5, §6.4 scenario 6). Atomicity is
// achieved by compensating rollback rather than a single native
// transaction spanning every entry, since backend.ResourceStorage's
// Create/Update/Delete each already run inside their own internal
// transaction and do not accept an externally supplied one; see
// DESIGN.md for why this was chosen over widening the backend
// interface. The rollback deletes every resource an earlier entry
// created; updates and deletes applied by earlier entries are not
// reverted.
func (p *Processor) ProcessTransaction(ctx context.Context, tc tenant.Context, entries []backend.BundleEntry) ([]backend.BundleEntryResult, error) {
	resolved, err := resolveReferences(entries)
	if err != nil {
		return nil, fhirerr.New(fhirerr.KindTransaction, fhirerr.CodeInvalidTransaction, "%s", err.Error())
	}

	results := make([]backend.BundleEntryResult, len(resolved))
	var applied []undo
	for i, entry := range resolved {
		result, u, err := p.applyEntry(ctx, tc, entry)
		if err != nil {
			p.Log.Debug().Err(err).Int("entry", i).Msg("transaction bundle entry failed, rolling back")
			p.rollback(ctx, tc, applied)
			return nil, fhirerr.Wrap(fhirerr.KindTransaction, fhirerr.CodeRolledBack, err,
				"transaction bundle entry %d (%s %s) failed", i, entry.Method, entry.URL)
		}
		results[i] = result
		if u != nil {
			applied = append(applied, *u)
		}
	}
	return results, nil
}

// ProcessBatch implements backend.BundleProvider: every entry is
// independent and may succeed or fail on its own (§6.4).
func (p *Processor) ProcessBatch(ctx context.Context, tc tenant.Context, entries []backend.BundleEntry) ([]backend.BundleEntryResult, error) {
	resolved, err := resolveReferences(entries)
	if err != nil {
		return nil, fhirerr.New(fhirerr.KindTransaction, fhirerr.CodeInvalidTransaction, "%s", err.Error())
	}

	results := make([]backend.BundleEntryResult, len(resolved))
	var errs error
	for i, entry := range resolved {
		result, _, err := p.applyEntry(ctx, tc, entry)
		if err != nil {
			result = outcomeResult(err)
			errs = multierr.Append(errs, err)
		}
		results[i] = result
	}
	return results, errs
}

// undo reverses one already-applied entry of a failed transaction
// bundle.
type undo struct {
	resourceType string
	id           string
	wasCreate    bool
}

func (p *Processor) rollback(ctx context.Context, tc tenant.Context, applied []undo) {
	for i := len(applied) - 1; i >= 0; i-- {
		u := applied[i]
		if u.wasCreate {
			if err := p.Store.Delete(ctx, tc, u.resourceType, u.id); err != nil {
				p.Log.Error().Err(err).Msgf("rollback: could not undo create of %s/%s", u.resourceType, u.id)
			}
		}
	}
}

// applyEntry executes one already-reference-resolved entry.
func (p *Processor) applyEntry(ctx context.Context, tc tenant.Context, entry backend.BundleEntry) (backend.BundleEntryResult, *undo, error) {
	switch strings.ToUpper(entry.Method) {
	case http.MethodGet:
		resourceType, id := splitResourceURL(entry.URL)
		sr, err := p.Store.Read(ctx, tc, resourceType, id)
		if err != nil {
			return backend.BundleEntryResult{}, nil, err
		}
		return backend.BundleEntryResult{Status: http.StatusOK, ETag: sr.ETag(), Resource: sr.Content}, nil, nil

	case http.MethodPost:
		resourceType := strings.TrimSuffix(entry.URL, "/")
		sr, err := p.Store.Create(ctx, tc, resourceType, entry.Resource)
		if err != nil {
			return backend.BundleEntryResult{}, nil, err
		}
		return backend.BundleEntryResult{
			Status: http.StatusCreated, Location: sr.URL(), ETag: sr.ETag(), Resource: sr.Content,
		}, &undo{resourceType: resourceType, id: sr.ID, wasCreate: true}, nil

	case http.MethodPut:
		resourceType, id := splitResourceURL(entry.URL)
		match := entry.IfMatch
		if match == "" {
			match = "*"
		}
		sr, err := p.Store.UpdateWithMatch(ctx, tc, resourceType, id, entry.Resource, match)
		if err != nil {
			return backend.BundleEntryResult{}, nil, err
		}
		return backend.BundleEntryResult{Status: http.StatusOK, ETag: sr.ETag(), Resource: sr.Content}, nil, nil

	case http.MethodDelete:
		resourceType, id := splitResourceURL(entry.URL)
		match := entry.IfMatch
		if match == "" {
			match = "*"
		}
		if err := p.Store.DeleteWithMatch(ctx, tc, resourceType, id, match); err != nil {
			return backend.BundleEntryResult{}, nil, err
		}
		return backend.BundleEntryResult{Status: http.StatusNoContent}, nil, nil

	default:
		return backend.BundleEntryResult{}, nil, fhirerr.New(fhirerr.KindTransaction, fhirerr.CodeBundleError,
			"unsupported bundle entry method %q", entry.Method)
	}
}

func splitResourceURL(url string) (resourceType, id string) {
	parts := strings.SplitN(strings.TrimPrefix(url, "/"), "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// resolveReferences runs the two-pass reference resolution of §6.4:
// pass one assigns a final id to every POST entry carrying a
// urn:uuid: fullUrl, pass two rewrites every entry's body to replace
// placeholder references with the resolved "Type/id" url.
func resolveReferences(entries []backend.BundleEntry) ([]backend.BundleEntry, error) {
	placeholders := make(map[string]string, len(entries))
	out := make([]backend.BundleEntry, len(entries))
	copy(out, entries)

	for i, entry := range out {
		if strings.ToUpper(entry.Method) != http.MethodPost || !strings.HasPrefix(entry.FullURL, "urn:uuid:") {
			continue
		}
		resourceType := strings.TrimSuffix(entry.URL, "/")
		id := uuid.NewString()
		body, err := withInjectedID(entry.Resource, id)
		if err != nil {
			return nil, err
		}
		out[i].Resource = body
		placeholders[entry.FullURL] = resourceType + "/" + id
	}

	for i, entry := range out {
		if len(entry.Resource) == 0 {
			continue
		}
		rewritten, err := rewriteReferences(entry.Resource, placeholders)
		if err != nil {
			return nil, err
		}
		out[i].Resource = rewritten
	}
	return out, nil
}

func withInjectedID(content []byte, id string) ([]byte, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, err
	}
	body["id"] = id
	return json.Marshal(body)
}

// rewriteReferences walks the resource body and replaces any string
// value that is exactly a registered urn:uuid: placeholder with its
// resolved "Type/id" reference.
func rewriteReferences(content []byte, placeholders map[string]string) ([]byte, error) {
	if len(placeholders) == 0 {
		return content, nil
	}
	var body interface{}
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, err
	}
	rewriteValue(body, placeholders)
	return json.Marshal(body)
}

func rewriteValue(v interface{}, placeholders map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if s, ok := child.(string); ok {
				if resolved, found := placeholders[s]; found {
					t[k] = resolved
					continue
				}
			}
			rewriteValue(child, placeholders)
		}
	case []interface{}:
		for _, child := range t {
			rewriteValue(child, placeholders)
		}
	}
}

// outcomeResult maps a failed batch entry's error to an HTTP-shaped
// result carrying the error as its outcome, per §6.4's "each operation
// is independent and may succeed or fail in isolation."
func outcomeResult(err error) backend.BundleEntryResult {
	return backend.BundleEntryResult{Status: statusFor(err), Outcome: err}
}

func statusFor(err error) int {
	switch {
	case fhirerr.Is(err, fhirerr.KindResource, fhirerr.CodeNotFound):
		return http.StatusNotFound
	case fhirerr.Is(err, fhirerr.KindResource, fhirerr.CodeGone):
		return http.StatusGone
	case fhirerr.Is(err, fhirerr.KindResource, fhirerr.CodeAlreadyExists):
		return http.StatusConflict
	case fhirerr.IsKind(err, fhirerr.KindConcurrency):
		return http.StatusConflict
	case fhirerr.IsKind(err, fhirerr.KindTenant):
		return http.StatusForbidden
	case fhirerr.IsKind(err, fhirerr.KindValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
