package search

import (
	"strings"
)

// ParamType is the parameter value shape, per §4.5's type table.
type ParamType string

// the closed set of search parameter types
const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
	TypeQuantity  ParamType = "quantity"
	TypeReference ParamType = "reference"
	TypeURI       ParamType = "uri"
	TypeComposite ParamType = "composite"
	TypeSpecial   ParamType = "special"
)

// Prefix is a search value comparison prefix.
type Prefix string

// the full prefix vocabulary
const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var knownPrefixes = map[string]Prefix{
	"eq": PrefixEq, "ne": PrefixNe, "gt": PrefixGt, "lt": PrefixLt,
	"ge": PrefixGe, "le": PrefixLe, "sa": PrefixSa, "eb": PrefixEb, "ap": PrefixAp,
}

// SplitPrefix splits a raw parameter value into its comparison prefix
// (defaulting to eq) and the remaining value text.
func SplitPrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		if p, ok := knownPrefixes[raw[:2]]; ok {
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// SearchValue is one comparison value for a parameter occurrence.
type SearchValue struct {
	Prefix Prefix
	Value  string
}

// Modifier is a suffix on a parameter name that refines match semantics.
type Modifier string

// recognized modifiers
const (
	ModifierExact      Modifier = "exact"
	ModifierContains   Modifier = "contains"
	ModifierText       Modifier = "text"
	ModifierNot        Modifier = "not"
	ModifierOfType     Modifier = "of-type"
	ModifierIn         Modifier = "in"
	ModifierNotIn      Modifier = "not-in"
	ModifierAbove      Modifier = "above"
	ModifierBelow      Modifier = "below"
	ModifierMissing    Modifier = "missing"
	ModifierIdentifier Modifier = "identifier"
	// ModifierType represents :Type (a resource type name modifier on
	// reference parameters, e.g. patient:Patient). The concrete type
	// name is stored separately in SearchParameter.TypeModifier.
	ModifierType Modifier = "type"
)

// CompositeComponent is one component definition of a composite parameter.
type CompositeComponent struct {
	Name string
	Type ParamType
}

// ChainSegment is one hop of a chained parameter, e.g. "patient.name"
// decomposes into [{ReferenceParam: "patient"}, {ReferenceParam: "name"}],
// the last segment naming the terminal parameter.
type ChainSegment struct {
	// ReferenceParam is the reference search parameter name to follow.
	ReferenceParam string
	// TargetType optionally scopes the chain to one target resource
	// type, from a ":Type" modifier on the reference segment.
	TargetType string
}

// SearchParameter is a single named query parameter with its values,
// modifier, and (for chained/composite parameters) its structural
// decomposition.
type SearchParameter struct {
	Name               string
	Type               ParamType
	Modifier           Modifier
	TypeModifier       string // concrete type name for :Type modifiers
	Values             []SearchValue
	Chain              []ChainSegment
	CompositeComponents []CompositeComponent
	// MissingTrue is true for :missing=true and false for
	// :missing=false; only meaningful when Modifier == ModifierMissing.
	MissingTrue bool
}

// SortDirective is one component of a _sort directive.
type SortDirective struct {
	Param      string
	Descending bool
}

// IncludeDirective is an _include or _revinclude directive:
// Type:param[:targetType].
type IncludeDirective struct {
	SourceType string
	Param      string
	TargetType string // optional
	Reverse    bool   // true for _revinclude
	Iterate    bool   // recursive include, up to a configured depth
}

// TotalMode controls whether/how a total result count is computed.
type TotalMode string

// recognized total modes
const (
	TotalNone     TotalMode = "none"
	TotalEstimate TotalMode = "estimate"
	TotalAccurate TotalMode = "accurate"
)

// SearchQuery is a fully parsed query ready for a backend's query
// builder. The resource id is always appended as a final tiebreaker by
// the query builder, not stored here, so that every backend applies the
// rule uniformly.
type SearchQuery struct {
	ResourceType string
	Parameters   []SearchParameter
	Sort         []SortDirective
	Count        *int
	Offset       *int
	Cursor       string
	Includes     []IncludeDirective
	Total        TotalMode
	Summary      string
	Elements     []string
}

// New returns an empty SearchQuery for resourceType with the default
// sort order (last_modified DESC, id ASC) applied by query builders when
// Sort is empty.
func New(resourceType string) *SearchQuery {
	return &SearchQuery{ResourceType: resourceType}
}

// WithParameter appends a parameter and returns the query for chaining.
func (q *SearchQuery) WithParameter(p SearchParameter) *SearchQuery {
	q.Parameters = append(q.Parameters, p)
	return q
}

// WithCount sets the page size.
func (q *SearchQuery) WithCount(n int) *SearchQuery {
	q.Count = &n
	return q
}

// ControlParams is the set of query-string keys that are not filters:
// they configure pagination, sorting, output shaping, or includes.
var ControlParams = map[string]bool{
	"_count": true, "_offset": true, "_cursor": true, "_sort": true,
	"_total": true, "_summary": true, "_elements": true,
	"_include": true, "_revinclude": true, "_format": true,
}

// SplitNameModifier splits a raw query-string key like "name:exact" into
// its bare parameter name and modifier.
func SplitNameModifier(key string) (string, Modifier) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return key, ""
	}
	return key[:idx], Modifier(key[idx+1:])
}
