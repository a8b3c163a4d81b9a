package extractor

import (
	"testing"

	"github.com/fhirstore/persistence/core/fhirpath"
	"github.com/fhirstore/persistence/core/registry"
	"github.com/fhirstore/persistence/core/search"
)

type fakeRegistry []registry.ParamDefinition

func (f fakeRegistry) DefinitionsFor(resourceType string) []registry.ParamDefinition {
	var out []registry.ParamDefinition
	for _, d := range f {
		for _, b := range d.Base {
			if b == resourceType {
				out = append(out, d)
			}
		}
	}
	return out
}

func TestExtractStringParam(t *testing.T) {
	reg := fakeRegistry{{Code: "name", Base: []string{"Patient"}, Type: search.TypeString, Expression: "Patient.name"}}
	ev := fhirpath.NewFake().Set("Patient.name", "Smith")
	e := New(reg, ev, nil)
	out := e.Extract("Patient", []byte(`{}`))
	if len(out) != 1 || out[0].ValueString != "Smith" {
		t.Fatalf("unexpected extraction: %+v", out)
	}
}

func TestExtractDropsUnconvertibleValue(t *testing.T) {
	reg := fakeRegistry{{Code: "birthdate", Base: []string{"Patient"}, Type: search.TypeDate, Expression: "Patient.birthDate"}}
	ev := fhirpath.NewFake().Set("Patient.birthDate", 42)
	e := New(reg, ev, nil)
	out := e.Extract("Patient", []byte(`{}`))
	if len(out) != 0 {
		t.Fatalf("expected drop of unconvertible value, got %+v", out)
	}
}

func TestExtractEvaluatorErrorDropsParamNotWrite(t *testing.T) {
	reg := fakeRegistry{{Code: "name", Base: []string{"Patient"}, Type: search.TypeString, Expression: "Patient.name"}}
	ev := fhirpath.NewFake()
	ev.SetErr("Patient.name", fakeErr{})
	e := New(reg, ev, nil)
	out := e.Extract("Patient", []byte(`{}`))
	if len(out) != 0 {
		t.Fatalf("expected no values after evaluator error, got %+v", out)
	}
}

type fakeErr struct{}

func (fakeErr) Error() string { return "boom" }

func TestExtractComposite(t *testing.T) {
	reg := fakeRegistry{{
		Code: "code-value-quantity", Base: []string{"Observation"}, Type: search.TypeComposite,
		Expression: "Observation",
		Component: []search.CompositeComponent{
			{Name: "code", Type: search.TypeToken},
			{Name: "value-quantity", Type: search.TypeQuantity},
		},
	}}
	ev := fhirpath.NewFake().Set("Observation", map[string]interface{}{
		"code":           "8480-6",
		"value-quantity": map[string]interface{}{"value": 55.0, "unit": "mm[Hg]"},
	})
	e := New(reg, ev, nil)
	out := e.Extract("Observation", []byte(`{}`))
	if len(out) != 2 {
		t.Fatalf("expected 2 composite component values, got %+v", out)
	}
	if out[0].CompositeGroup != out[1].CompositeGroup {
		t.Fatalf("expected shared composite group, got %+v", out)
	}
}
