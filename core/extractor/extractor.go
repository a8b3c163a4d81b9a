// Package extractor implements §4.6's index-extraction pipeline:
// given a resource body, evaluate every applicable SearchParameter's
// path expression via the consumed FHIRPath evaluator (core/fhirpath)
// and convert the results into ExtractedValues per §4.5's per-type
// conversion rules. A conversion failure is logged and the value
// dropped; it never fails the write, since a resource the evaluator
// cannot extract one parameter from is still a resource worth
// storing.
package extractor

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/fhirstore/persistence/core/fhirpath"
	"github.com/fhirstore/persistence/core/logger"
	"github.com/fhirstore/persistence/core/registry"
	"github.com/fhirstore/persistence/core/search"
)

// ExtractedValue is a single index entry produced for one resource
// write, per §3's ExtractedValue data model.
type ExtractedValue struct {
	ParamName      string
	ParamURL       string
	ParamType      search.ParamType
	ValueString    string
	TokenSystem    string
	TokenCode      string
	DateValue      string
	DateEnd        string
	DatePrecision  string
	NumberValue    float64
	QuantityValue  float64
	QuantityUnit   string
	QuantitySystem string
	ReferenceValue string
	URIValue       string
	// CompositeGroup groups co-extracted components of a single
	// composite occurrence; zero means "not part of a composite".
	CompositeGroup int
}

// Registry is the subset of *registry.ParamRegistry the extractor
// needs: the set of active definitions for a resource type.
type Registry interface {
	DefinitionsFor(resourceType string) []registry.ParamDefinition
}

// Extractor evaluates every applicable search parameter against a
// resource body and produces ExtractedValues.
type Extractor struct {
	Registry  Registry
	Evaluator fhirpath.Evaluator
	Log       zerolog.Logger
}

// New builds an Extractor. log may be nil, in which case the package
// default logger (core/logger.Default) is used, matching every other
// component in this tree that carries an optional scoped logger.
func New(reg Registry, evaluator fhirpath.Evaluator, log *zerolog.Logger) *Extractor {
	l := logger.Default()
	if log != nil {
		l = *log
	}
	return &Extractor{Registry: reg, Evaluator: evaluator, Log: l}
}

// Extract runs the full pipeline for one resource write and returns
// the ExtractedValue list for every definition applicable to
// resourceType (§4.6 steps 1-4).
func (e *Extractor) Extract(resourceType string, body json.RawMessage) []ExtractedValue {
	var out []ExtractedValue
	group := 0
	for _, def := range e.Registry.DefinitionsFor(resourceType) {
		values, err := e.Evaluator.Evaluate(def.Expression, body)
		if err != nil {
			e.Log.Warn().Err(err).
				Str("param", def.Code).
				Str("resourceType", resourceType).
				Msg("fhirpath evaluation failed, dropping parameter")
			continue
		}
		if len(values) == 0 {
			continue
		}
		if def.Type == search.TypeComposite {
			var composite []ExtractedValue
			composite, group = e.extractComposite(def, values, group)
			out = append(out, composite...)
			continue
		}
		for _, v := range values {
			ev, ok := convert(def, v)
			if !ok {
				e.Log.Warn().
					Str("param", def.Code).
					Str("resourceType", resourceType).
					Msg("value could not be converted to the declared parameter type, dropping")
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}

// extractComposite evaluates each component expression embedded in
// the composite's declared Components and tags every value produced
// from the same evaluated tuple with one group number, per §4.6 step
// 4. Each tuple takes the next number after group; the last number
// used is returned alongside the values.
func (e *Extractor) extractComposite(def registry.ParamDefinition, tuples []interface{}, group int) ([]ExtractedValue, int) {
	var out []ExtractedValue
	for _, raw := range tuples {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		group++
		for _, comp := range def.Component {
			v, ok := m[comp.Name]
			if !ok {
				continue
			}
			ev, ok := convert(registry.ParamDefinition{Code: comp.Name, Type: comp.Type}, v)
			if !ok {
				continue
			}
			ev.ParamName = def.Code + "." + comp.Name
			ev.ParamURL = def.URL
			ev.CompositeGroup = group
			out = append(out, ev)
		}
	}
	return out, group
}

// convert applies the §4.5 per-type conversion rules to one raw
// evaluator value.
func convert(def registry.ParamDefinition, v interface{}) (ExtractedValue, bool) {
	ev := ExtractedValue{ParamName: def.Code, ParamURL: def.URL, ParamType: def.Type}
	switch def.Type {
	case search.TypeString, search.TypeURI:
		s, ok := v.(string)
		if !ok {
			return ev, false
		}
		if def.Type == search.TypeURI {
			ev.URIValue = s
		} else {
			ev.ValueString = s
		}
	case search.TypeToken:
		switch t := v.(type) {
		case string:
			ev.TokenCode = t
		case map[string]interface{}:
			if s, ok := t["system"].(string); ok {
				ev.TokenSystem = s
			}
			if c, ok := t["code"].(string); ok {
				ev.TokenCode = c
			} else if c, ok := t["value"].(string); ok {
				// Identifier-shaped tokens carry their code under "value".
				ev.TokenCode = c
			}
		case bool:
			ev.TokenCode = fmt.Sprintf("%t", t)
		default:
			return ev, false
		}
	case search.TypeDate:
		s, ok := v.(string)
		if !ok {
			return ev, false
		}
		start, end, precision, ok := NormalizeDateRange(s)
		if !ok {
			return ev, false
		}
		ev.DateValue = start
		ev.DateEnd = end
		ev.DatePrecision = precision
	case search.TypeNumber:
		n, ok := toFloat(v)
		if !ok {
			return ev, false
		}
		ev.NumberValue = n
	case search.TypeQuantity:
		switch t := v.(type) {
		case float64:
			ev.QuantityValue = t
		case map[string]interface{}:
			n, ok := toFloat(t["value"])
			if !ok {
				return ev, false
			}
			ev.QuantityValue = n
			if u, ok := t["unit"].(string); ok {
				ev.QuantityUnit = u
			}
			if s, ok := t["system"].(string); ok {
				ev.QuantitySystem = s
			}
			if c, ok := t["code"].(string); ok && ev.QuantityUnit == "" {
				ev.QuantityUnit = c
			}
		default:
			return ev, false
		}
	case search.TypeReference:
		switch t := v.(type) {
		case string:
			ev.ReferenceValue = t
		case map[string]interface{}:
			if ref, ok := t["reference"].(string); ok {
				ev.ReferenceValue = ref
			} else {
				return ev, false
			}
		default:
			return ev, false
		}
	default:
		return ev, false
	}
	return ev, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// NormalizeDateRange expands a FHIR date/dateTime/instant string of
// any precision into the half-open RFC3339 instant range it denotes,
// per §4.5/§8: "eq=2024" matches every instant in
// "[2024-01-01T00:00, 2025-01-01T00:00)". Both the extractor (to
// populate value_date/value_date_end) and the row-store query builder
// (to translate a query value into a range predicate) use it, so a
// stored row's range and a query's range are always computed the same
// way.
func NormalizeDateRange(s string) (start, end, precision string, ok bool) {
	layouts := []struct {
		layout    string
		precision string
		step      func(time.Time) time.Time
	}{
		{"2006", "year", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", "month", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", "day", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano), l.step(t).UTC().Format(time.RFC3339Nano), l.precision, true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(time.RFC3339Nano), t.UTC().Format(time.RFC3339Nano), "instant", true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(time.RFC3339Nano), t.UTC().Format(time.RFC3339Nano), "instant", true
	}
	return "", "", "", false
}
