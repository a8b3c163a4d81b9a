package querybuilder

import (
	"strings"
	"testing"

	"github.com/fhirstore/persistence/core/search"
)

func TestBuildRowStoreBasicStringParam(t *testing.T) {
	q := search.New("Patient")
	q.WithParameter(search.SearchParameter{
		Name: "name", Type: search.TypeString,
		Values: []search.SearchValue{{Value: "Smith"}},
	})
	rq, err := BuildRowStore("tenant_abc", "tenant-1", q)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rq.SQL, "search_index") || !strings.Contains(rq.SQL, "ILIKE") {
		t.Fatalf("expected an ILIKE search_index predicate, got: %s", rq.SQL)
	}
	if len(rq.Args) < 3 {
		t.Fatalf("expected at least tenant/type/value args, got %v", rq.Args)
	}
}

func TestBuildRowStoreDefaultSortHasIDTiebreaker(t *testing.T) {
	q := search.New("Patient")
	rq, err := BuildRowStore("tenant_abc", "tenant-1", q)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rq.SQL, "r.resource_id ASC") {
		t.Fatalf("expected id tiebreaker in sort, got: %s", rq.SQL)
	}
}

func TestBuildRowStoreDateEqRange(t *testing.T) {
	q := search.New("Patient")
	q.WithParameter(search.SearchParameter{
		Name: "birthdate", Type: search.TypeDate,
		Values: []search.SearchValue{{Prefix: search.PrefixEq, Value: "1980"}},
	})
	rq, err := BuildRowStore("tenant_abc", "tenant-1", q)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rq.SQL, "value_date") || !strings.Contains(rq.SQL, "value_date_end") {
		t.Fatalf("expected a date range predicate, got: %s", rq.SQL)
	}
	var gotStart, gotEnd bool
	for _, a := range rq.Args {
		if a == "1980-01-01T00:00:00Z" {
			gotStart = true
		}
		if a == "1981-01-01T00:00:00Z" {
			gotEnd = true
		}
	}
	if !gotStart || !gotEnd {
		t.Fatalf("expected expanded year range args, got %v", rq.Args)
	}
}

func TestBuildRowStoreCompositeRequiresMatchingComponentCount(t *testing.T) {
	q := search.New("Observation")
	q.WithParameter(search.SearchParameter{
		Name: "code-value-quantity", Type: search.TypeComposite,
		CompositeComponents: []search.CompositeComponent{
			{Name: "code", Type: search.TypeToken},
			{Name: "value-quantity", Type: search.TypeQuantity},
		},
		Values: []search.SearchValue{{Value: "http://loinc.org|8480-6"}},
	})
	if _, err := BuildRowStore("tenant_abc", "tenant-1", q); err == nil {
		t.Fatal("expected error for a composite value missing its second component")
	}
}

func TestBuildRowStoreMissingModifier(t *testing.T) {
	q := search.New("Patient")
	q.WithParameter(search.SearchParameter{
		Name: "birthdate", Type: search.TypeDate, Modifier: search.ModifierMissing, MissingTrue: true,
	})
	rq, err := BuildRowStore("tenant_abc", "tenant-1", q)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rq.SQL, "NOT EXISTS") {
		t.Fatalf("expected NOT EXISTS for :missing=true, got: %s", rq.SQL)
	}
}
