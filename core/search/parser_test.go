package search

import "testing"

type fakeDef struct {
	t    ParamType
	comp []CompositeComponent
}

func (f fakeDef) ParamType() ParamType            { return f.t }
func (f fakeDef) Components() []CompositeComponent { return f.comp }

type fakeLookup map[string]fakeDef

func (f fakeLookup) Lookup(resourceType, name string) (Definition, bool) {
	d, ok := f[resourceType+"."+name]
	return d, ok
}

func TestParseBasicStringParam(t *testing.T) {
	lookup := fakeLookup{"Patient.name": {t: TypeString}}
	q, err := Parse("Patient", map[string][]string{"name": {"Smith"}}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Parameters) != 1 || q.Parameters[0].Values[0].Value != "Smith" {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseDatePrefix(t *testing.T) {
	lookup := fakeLookup{"Patient.birthdate": {t: TypeDate}}
	q, err := Parse("Patient", map[string][]string{"birthdate": {"eq1980"}}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	v := q.Parameters[0].Values[0]
	if v.Prefix != PrefixEq || v.Value != "1980" {
		t.Fatalf("unexpected value: %+v", v)
	}
}

func TestParseUnsupportedModifierRejected(t *testing.T) {
	lookup := fakeLookup{"Patient.birthdate": {t: TypeDate}}
	_, err := Parse("Patient", map[string][]string{"birthdate:exact": {"1980"}}, lookup)
	if err == nil {
		t.Fatal("expected unsupported-modifier error")
	}
}

func TestParseControlParamsExcluded(t *testing.T) {
	lookup := fakeLookup{}
	q, err := Parse("Patient", map[string][]string{
		"_count": {"10"}, "_offset": {"5"}, "_sort": {"name,-birthdate"},
	}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Parameters) != 0 {
		t.Fatalf("expected no search parameters, got %+v", q.Parameters)
	}
	if q.Count == nil || *q.Count != 10 {
		t.Fatalf("expected count 10, got %v", q.Count)
	}
	if q.Offset == nil || *q.Offset != 5 {
		t.Fatalf("expected offset 5, got %v", q.Offset)
	}
	if len(q.Sort) != 2 || q.Sort[0].Param != "name" || q.Sort[0].Descending ||
		q.Sort[1].Param != "birthdate" || !q.Sort[1].Descending {
		t.Fatalf("unexpected sort: %+v", q.Sort)
	}
}

func TestParseReverseChain(t *testing.T) {
	lookup := fakeLookup{}
	q, err := Parse("Patient", map[string][]string{"_has:Observation:patient:code": {"1234-5"}}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Parameters) != 1 || len(q.Parameters[0].Chain) != 2 {
		t.Fatalf("unexpected reverse chain parse: %+v", q.Parameters)
	}
	if q.Parameters[0].Chain[0].TargetType != "Observation" || q.Parameters[0].Chain[0].ReferenceParam != "patient" {
		t.Fatalf("unexpected chain segments: %+v", q.Parameters[0].Chain)
	}
}

func TestParseChainedParam(t *testing.T) {
	lookup := fakeLookup{"Observation.patient": {t: TypeReference}}
	q, err := Parse("Observation", map[string][]string{"patient.name": {"Smith"}}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Parameters[0].Chain) != 2 || q.Parameters[0].Chain[1].ReferenceParam != "name" {
		t.Fatalf("unexpected chain: %+v", q.Parameters[0].Chain)
	}
}

func TestParseUnknownParamRejected(t *testing.T) {
	lookup := fakeLookup{}
	_, err := Parse("Patient", map[string][]string{"bogus": {"x"}}, lookup)
	if err == nil {
		t.Fatal("expected invalid-search-parameter error")
	}
}
