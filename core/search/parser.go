package search

import (
	"strconv"
	"strings"

	"github.com/fhirstore/persistence/core/fhirerr"
)

// Definition is the subset of a registered search-parameter definition
// the parser needs: its declared type and (for composite parameters)
// its component definitions. The registry package implements this.
type Definition interface {
	ParamType() ParamType
	Components() []CompositeComponent
}

// Lookup resolves a (resourceType, paramName) pair to its Definition.
// The registry package's ParamRegistry satisfies this interface.
type Lookup interface {
	Lookup(resourceType, name string) (Definition, bool)
}

// Parse turns a raw query-string-shaped map (one []string per key,
// matching net/url.Values) into a SearchQuery, validating every
// parameter name and modifier against lookup. Unknown modifiers for a
// parameter's type raise unsupported-modifier rather than being
// silently dropped, per §4.5.
func Parse(resourceType string, raw map[string][]string, lookup Lookup) (*SearchQuery, error) {
	q := New(resourceType)

	for key, values := range raw {
		if ControlParams[key] {
			continue
		}
		name, modifier := SplitNameModifier(key)

		if strings.HasPrefix(key, "_has:") {
			// reverse chain: _has:Observation:patient:code=1234-5
			param, err := parseReverseChain(key, values)
			if err != nil {
				return nil, err
			}
			q.Parameters = append(q.Parameters, *param)
			continue
		}

		if idx := strings.IndexByte(name, '.'); idx >= 0 {
			param, err := parseChained(resourceType, name, modifier, values, lookup)
			if err != nil {
				return nil, err
			}
			q.Parameters = append(q.Parameters, *param)
			continue
		}

		def, known := lookup.Lookup(resourceType, name)
		var ptype ParamType
		if known {
			ptype = def.ParamType()
		} else {
			ptype = specialParamType(name)
			if ptype == "" {
				return nil, fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidSearchParam,
					"unknown search parameter %q for resource type %s", name, resourceType)
			}
		}

		if err := validateModifier(ptype, modifier); err != nil {
			return nil, err
		}

		param := SearchParameter{Name: name, Type: ptype, Modifier: modifier}
		if ptype == TypeReference && modifier != "" && !modifiersByType[TypeReference][modifier] {
			// a ":Type" modifier: the text after the colon names the
			// concrete target resource type.
			param.Modifier = ModifierType
			param.TypeModifier = string(modifier)
		}
		if modifier == ModifierMissing {
			if len(values) == 0 {
				return nil, fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidSearchParam, "missing value for :missing modifier on %s", name)
			}
			param.MissingTrue = values[0] == "true"
		}

		if ptype == TypeComposite && known {
			param.CompositeComponents = def.Components()
			for _, v := range values {
				param.Values = append(param.Values, SearchValue{Value: v})
			}
		} else {
			for _, raw := range values {
				prefix, val := PrefixEq, raw
				if supportsPrefix(ptype) {
					prefix, val = SplitPrefix(raw)
				}
				param.Values = append(param.Values, SearchValue{Prefix: prefix, Value: val})
			}
		}

		q.Parameters = append(q.Parameters, param)
	}

	if v, ok := raw["_count"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			q.Count = &n
		}
	}
	if v, ok := raw["_offset"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			q.Offset = &n
		}
	}
	if v, ok := raw["_cursor"]; ok && len(v) > 0 {
		q.Cursor = v[0]
	}
	if v, ok := raw["_sort"]; ok && len(v) > 0 {
		q.Sort = ParseSort(v[0])
	}
	if v, ok := raw["_total"]; ok && len(v) > 0 {
		q.Total = TotalMode(v[0])
	}
	if v, ok := raw["_summary"]; ok && len(v) > 0 {
		q.Summary = v[0]
	}
	if v, ok := raw["_elements"]; ok && len(v) > 0 {
		q.Elements = strings.Split(v[0], ",")
	}
	if v, ok := raw["_include"]; ok {
		for _, s := range v {
			d, err := parseIncludeDirective(s, false)
			if err != nil {
				return nil, err
			}
			q.Includes = append(q.Includes, *d)
		}
	}
	if v, ok := raw["_revinclude"]; ok {
		for _, s := range v {
			d, err := parseIncludeDirective(s, true)
			if err != nil {
				return nil, err
			}
			q.Includes = append(q.Includes, *d)
		}
	}

	return q, nil
}

// ParseSort parses a "_sort=a,-b,c" directive into ordered SortDirectives.
func ParseSort(raw string) []SortDirective {
	var out []SortDirective
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d := SortDirective{Param: part}
		if strings.HasPrefix(part, "-") {
			d.Descending = true
			d.Param = part[1:]
		}
		out = append(out, d)
	}
	return out
}

func parseIncludeDirective(raw string, reverse bool) (*IncludeDirective, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return nil, fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidSearchParam,
			"invalid include directive %q, expected Type:param[:targetType]", raw)
	}
	d := IncludeDirective{SourceType: parts[0], Param: parts[1], Reverse: reverse}
	if len(parts) >= 3 {
		d.TargetType = parts[2]
	}
	return &d, nil
}

func parseReverseChain(name string, values []string) (*SearchParameter, error) {
	// _has:Observation:patient:code=1234-5
	parts := strings.SplitN(name, ":", 4)
	if len(parts) != 4 {
		return nil, fhirerr.New(fhirerr.KindSearch, fhirerr.CodeReverseChainUnsup,
			"invalid _has directive %q, expected _has:Type:refparam:param", name)
	}
	chainType, refParam, terminal := parts[1], parts[2], parts[3]
	param := SearchParameter{
		Name: "_has",
		Type: TypeSpecial,
		Chain: []ChainSegment{
			{ReferenceParam: refParam, TargetType: chainType},
			{ReferenceParam: terminal},
		},
	}
	for _, v := range values {
		prefix, val := SplitPrefix(v)
		param.Values = append(param.Values, SearchValue{Prefix: prefix, Value: val})
	}
	return &param, nil
}

func parseChained(resourceType, name string, modifier Modifier, values []string, lookup Lookup) (*SearchParameter, error) {
	segs := strings.Split(name, ".")
	param := SearchParameter{Name: name, Type: TypeReference}
	for i, seg := range segs {
		if i == len(segs)-1 {
			param.Chain = append(param.Chain, ChainSegment{ReferenceParam: seg})
			continue
		}
		refParam, typeMod := seg, ""
		if idx := strings.IndexByte(seg, ':'); idx >= 0 {
			refParam, typeMod = seg[:idx], seg[idx+1:]
		}
		if _, known := lookup.Lookup(resourceType, refParam); !known {
			return nil, fhirerr.New(fhirerr.KindSearch, fhirerr.CodeChainedSearchUnsup,
				"unknown chain reference parameter %q", refParam)
		}
		param.Chain = append(param.Chain, ChainSegment{ReferenceParam: refParam, TargetType: typeMod})
	}
	param.Modifier = modifier
	for _, v := range values {
		prefix, val := SplitPrefix(v)
		param.Values = append(param.Values, SearchValue{Prefix: prefix, Value: val})
	}
	return &param, nil
}

func specialParamType(name string) ParamType {
	switch name {
	case "_id":
		return TypeToken
	case "_lastUpdated":
		return TypeDate
	case "_tag", "_security":
		return TypeToken
	case "_profile", "_source":
		return TypeURI
	case "_text", "_content":
		return TypeSpecial
	case "_type":
		return TypeSpecial
	}
	return ""
}

func supportsPrefix(t ParamType) bool {
	switch t {
	case TypeDate, TypeNumber, TypeQuantity:
		return true
	}
	return false
}

var modifiersByType = map[ParamType]map[Modifier]bool{
	TypeString: {ModifierExact: true, ModifierContains: true, ModifierMissing: true},
	TypeToken: {ModifierText: true, ModifierNot: true, ModifierOfType: true, ModifierIn: true,
		ModifierNotIn: true, ModifierAbove: true, ModifierBelow: true, ModifierMissing: true},
	TypeDate:      {ModifierMissing: true},
	TypeNumber:    {ModifierMissing: true},
	TypeQuantity:  {ModifierMissing: true},
	TypeReference: {ModifierType: true, ModifierIdentifier: true, ModifierMissing: true},
	TypeURI:       {ModifierAbove: true, ModifierBelow: true, ModifierMissing: true},
	TypeComposite: {ModifierMissing: true},
	TypeSpecial:   {ModifierMissing: true},
}

func validateModifier(t ParamType, m Modifier) error {
	if m == "" {
		return nil
	}
	// A modifier of the form "Type" selecting a concrete resource type
	// on a reference parameter (e.g. subject:Patient) is always legal
	// for reference parameters; anything else not in the allow-list is
	// rejected outright.
	if t == TypeReference {
		return nil
	}
	if allowed, ok := modifiersByType[t]; ok && allowed[m] {
		return nil
	}
	return fhirerr.UnsupportedModifier(string(t), string(m))
}
