package registry

import (
	"testing"

	"github.com/fhirstore/persistence/core/search"
)

func TestParamRegistryLoadsEmbeddedBase(t *testing.T) {
	r, err := NewParamRegistry()
	if err != nil {
		t.Fatal(err)
	}
	def, ok := r.Lookup("Patient", "birthdate")
	if !ok {
		t.Fatal("expected Patient.birthdate to be registered")
	}
	if def.ParamType() != search.TypeDate {
		t.Fatalf("expected date type, got %v", def.ParamType())
	}
}

func TestParamRegistryResourceLevelFallback(t *testing.T) {
	r, err := NewParamRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup("Observation", "_id"); !ok {
		t.Fatal("expected _id to resolve via the Resource base fallback")
	}
}

func TestParamRegistryCompositeComponents(t *testing.T) {
	r, err := NewParamRegistry()
	if err != nil {
		t.Fatal(err)
	}
	def, ok := r.Lookup("Observation", "code-value-quantity")
	if !ok {
		t.Fatal("expected Observation.code-value-quantity to be registered")
	}
	if len(def.Components()) != 2 {
		t.Fatalf("expected 2 components, got %d", len(def.Components()))
	}
}

func TestParamRegistryLoadOverrides(t *testing.T) {
	r, err := NewParamRegistry()
	if err != nil {
		t.Fatal(err)
	}
	r.Load([]ParamDefinition{
		{URL: "http://example.com/fhir/SearchParameter/Patient-vip", Code: "vip", Base: []string{"Patient"}, Type: search.TypeToken},
	})
	def, ok := r.Lookup("Patient", "vip")
	if !ok {
		t.Fatal("expected override-loaded parameter to be visible")
	}
	if def.ParamType() != search.TypeToken {
		t.Fatalf("expected token type, got %v", def.ParamType())
	}
	if _, ok := r.ByURL("http://example.com/fhir/SearchParameter/Patient-vip"); !ok {
		t.Fatal("expected ByURL lookup to find the loaded definition")
	}
}

func TestParamRegistryStatementsFor(t *testing.T) {
	r, err := NewParamRegistry()
	if err != nil {
		t.Fatal(err)
	}
	stmts := r.StatementsFor("Patient")
	if len(stmts) == 0 {
		t.Fatal("expected at least one search parameter statement for Patient")
	}
	found := false
	for _, s := range stmts {
		if s.Name == "birthdate" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected birthdate statement for Patient")
	}
}
