package registry

import (
	"embed"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/fhirstore/persistence/core/capability"
	"github.com/fhirstore/persistence/core/search"
)

//go:embed paramdefs/*.json
var embeddedParamDefs embed.FS

// ParamDefinition is the on-disk/registry representation of a
// SearchParameter: everything the search parser and the per-backend
// query builders need to recognize and evaluate it. It satisfies
// search.Definition directly.
type ParamDefinition struct {
	URL        string                       `json:"url"`
	Code       string                       `json:"code"`
	Base       []string                     `json:"base"`
	Type       search.ParamType            `json:"type"`
	Expression string                       `json:"expression"`
	Target     []string                     `json:"target,omitempty"`
	Component  []search.CompositeComponent  `json:"component,omitempty"`
}

// ParamType implements search.Definition.
func (d ParamDefinition) ParamType() search.ParamType { return d.Type }

// Components implements search.Definition.
func (d ParamDefinition) Components() []search.CompositeComponent { return d.Component }

// ParamRegistry is the process-wide catalog of SearchParameter
// definitions described by §4.6 step 1 and §5: an embedded base set
// (base.json, HL7-shaped search parameters for the common clinical
// resource types) overlaid with whatever a deployment has added via
// Put/persisted through an Accessor on the Store. It is safe for
// concurrent use: readers (the query parser, on every request) take a
// read lock; writers (Load/LoadFromStore, at startup or on an
// administrative reload) take a write lock.
//
// ParamRegistry implements search.Lookup.
type ParamRegistry struct {
	mu sync.RWMutex
	// byURL indexes definitions by their canonical SearchParameter.url.
	byURL map[string]ParamDefinition
	// byTypeCode indexes definitions by "ResourceType.code" for the
	// parser's Lookup(resourceType, name) calls, per the multiple-base
	// expansion rule (a definition with base ["Observation",
	// "Condition"] is indexed under both).
	byTypeCode map[string]ParamDefinition
}

// NewParamRegistry loads the embedded base definitions and returns a
// ready-to-use registry with no deployment overrides applied yet.
func NewParamRegistry() (*ParamRegistry, error) {
	r := &ParamRegistry{
		byURL:      map[string]ParamDefinition{},
		byTypeCode: map[string]ParamDefinition{},
	}
	entries, err := embeddedParamDefs.ReadDir("paramdefs")
	if err != nil {
		return nil, fmt.Errorf("cannot list embedded search parameter definitions: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		body, err := embeddedParamDefs.ReadFile("paramdefs/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read embedded search parameter definitions %s: %w", entry.Name(), err)
		}
		var defs []ParamDefinition
		if err := json.Unmarshal(body, &defs); err != nil {
			return nil, fmt.Errorf("cannot parse embedded search parameter definitions %s: %w", entry.Name(), err)
		}
		for _, d := range defs {
			r.put(d)
		}
	}
	return r, nil
}

// put indexes d under its URL and every (base type, code) pair,
// overwriting whatever was previously registered under those keys.
// Callers must hold mu for writing.
func (r *ParamRegistry) put(d ParamDefinition) {
	r.byURL[d.URL] = d
	for _, base := range d.Base {
		r.byTypeCode[base+"."+d.Code] = d
	}
}

// Load applies deployment-specific overrides or additions on top of
// the embedded base set. Later definitions for the same URL replace
// earlier ones, so a deployment can both add new parameters and
// override an embedded one (e.g. to index an extension).
func (r *ParamRegistry) Load(defs []ParamDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.put(d)
	}
}

// LoadFromStore reads each of the given keys under the "searchparam:"
// prefix of store and applies it as an override, per §5's "user-defined
// parameters are persisted and reloaded at startup" requirement.
func (r *ParamRegistry) LoadFromStore(store *Registry, keys []string) error {
	accessor := store.Accessor("searchparam")
	var defs []ParamDefinition
	for _, key := range keys {
		var d ParamDefinition
		if _, err := accessor.Read(key, &d); err != nil {
			return fmt.Errorf("cannot load search parameter override %q: %w", key, err)
		}
		if d.URL != "" {
			defs = append(defs, d)
		}
	}
	r.Load(defs)
	return nil
}

// Put persists a single user-defined or overriding definition to store
// and makes it immediately visible to Lookup.
func (r *ParamRegistry) Put(store *Registry, key string, d ParamDefinition) error {
	accessor := store.Accessor("searchparam")
	if err := accessor.Write(key, d); err != nil {
		return err
	}
	r.mu.Lock()
	r.put(d)
	r.mu.Unlock()
	return nil
}

// Lookup implements search.Lookup.
func (r *ParamRegistry) Lookup(resourceType, name string) (search.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTypeCode[resourceType+"."+name]
	if !ok {
		// Resource-level parameters (e.g. _id, _lastUpdated) are
		// registered under the literal base "Resource" and apply to
		// every resource type.
		d, ok = r.byTypeCode["Resource."+name]
	}
	return d, ok
}

// ByURL returns the definition registered under the given canonical
// SearchParameter.url, if any.
func (r *ParamRegistry) ByURL(url string) (ParamDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byURL[url]
	return d, ok
}

// DefinitionsFor returns every active SearchParameter definition that
// applies to resourceType, per §4.6 step 1 ("loads the set of active
// SearchParameter definitions applicable to the resource's type").
// Resource-level definitions (base "Resource") are included for every
// type.
func (r *ParamRegistry) DefinitionsFor(resourceType string) []ParamDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ParamDefinition
	for _, d := range r.byURL {
		for _, base := range d.Base {
			if base == resourceType || base == "Resource" {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// StatementsFor builds the capability.SearchParamStatement list for
// resourceType, for use in composing a capability.ResourceStatement
// (SPEC_FULL.md §D).
func (r *ParamRegistry) StatementsFor(resourceType string) []capability.SearchParamStatement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []capability.SearchParamStatement
	for _, d := range r.byURL {
		matches := false
		for _, base := range d.Base {
			if base == resourceType || base == "Resource" {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		out = append(out, capability.SearchParamStatement{
			Name:             d.Code,
			Type:             string(d.Type),
			SupportsChaining: d.Type == search.TypeReference,
		})
	}
	return out
}
