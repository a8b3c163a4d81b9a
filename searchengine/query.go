package searchengine

import (
	"fmt"
	"strings"

	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/search"
)

// documentQuery is the translated form of a search.SearchQuery ready
// to run against the documents table. It deliberately does not reuse
// querybuilder.BuildRowStore: that builder joins against the
// row-store's relational search_index table, but this backend keeps
// no such side table — every document carries its own extracted
// values inline as a jsonb "index" column, so the translation below
// walks that shape instead (see query comment in
// core/querybuilder/rowstore.go).
type documentQuery struct {
	SQL  string
	Args []interface{}
}

// buildQuery translates q into a query against schema."documents".
// Parameter matching is value-equality (or, for dates, a precision
// prefix match) tested with a jsonb_array_elements_text EXISTS clause
// against the param's entry in the index column; every other
// comparison prefix on a non-date parameter is rejected as
// unsupported, since the index column stores rendered strings rather
// than typed, range-comparable columns.
func buildQuery(schema, tenantID string, q *search.SearchQuery) (*documentQuery, error) {
	var (
		conds []string
		args  []interface{}
	)
	args = append(args, tenantID, q.ResourceType)
	conds = append(conds, "tenant_id = $1", "resource_type = $2", "is_deleted = false")

	for _, p := range q.Parameters {
		if p.Type == search.TypeComposite {
			return nil, fhirerr.New(fhirerr.KindSearch, fhirerr.CodeInvalidComposite,
				"composite parameter %q is not supported against the search-engine document index", p.Name)
		}
		if len(p.Chain) > 0 {
			return nil, fhirerr.New(fhirerr.KindSearch, fhirerr.CodeChainedSearchUnsup,
				"chained parameter %q is not supported by the search-engine backend", p.Name)
		}
		if p.Modifier == search.ModifierMissing {
			key := "index -> " + quoteLiteral(p.Name)
			if p.MissingTrue {
				conds = append(conds, fmt.Sprintf("(%s IS NULL OR jsonb_array_length(%s) = 0)", key, key))
			} else {
				conds = append(conds, fmt.Sprintf("(%s IS NOT NULL AND jsonb_array_length(%s) > 0)", key, key))
			}
			continue
		}

		var ors []string
		for _, v := range p.Values {
			pattern, err := matchPattern(p, v)
			if err != nil {
				return nil, err
			}
			args = append(args, pattern)
			ors = append(ors, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements_text(index -> %s) AS v WHERE v LIKE $%d)",
				quoteLiteral(p.Name), len(args)))
		}
		if len(ors) > 0 {
			conds = append(conds, "("+strings.Join(ors, " OR ")+")")
		}
	}

	order := "last_modified DESC, resource_id ASC"
	if len(q.Sort) > 0 {
		var parts []string
		for _, s := range q.Sort {
			dir := "ASC"
			if s.Descending {
				dir = "DESC"
			}
			parts = append(parts, fmt.Sprintf("index -> %s ->> 0 %s", quoteLiteral(s.Param), dir))
		}
		parts = append(parts, "resource_id ASC")
		order = strings.Join(parts, ", ")
	}

	if q.Cursor != "" {
		c, err := search.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, c.SortKey, c.ResourceID)
		conds = append(conds, fmt.Sprintf(
			"(last_modified, resource_id) < ($%d::timestamptz, $%d)", len(args)-1, len(args)))
	}

	limit := search.ClampCount(q.Count, 50, search.DefaultMaxPageSize)
	sql := fmt.Sprintf(
		`SELECT tenant_id, resource_type, resource_id, version_id, content, created_at, last_modified, deleted_at, method, is_deleted
		 FROM %s."documents" WHERE %s ORDER BY %s LIMIT %d`,
		schema, strings.Join(conds, " AND "), order, limit)

	return &documentQuery{SQL: sql, Args: args}, nil
}

// matchPattern renders v as the LIKE pattern stored values must
// satisfy: an exact match for every type except date, where a
// non-eq prefix is rejected and an eq match becomes a precision
// prefix (the index stores the extractor's DateValue, the RFC3339
// start instant such as "1990-05-17T00:00:00Z", so a query value of
// "1990" or "1990-05" matches it as a prefix).
func matchPattern(p search.SearchParameter, v search.SearchValue) (string, error) {
	if p.Type == search.TypeDate {
		if v.Prefix != search.PrefixEq {
			return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedModifier,
				"date prefix %q is not supported by the search-engine backend, only eq", v.Prefix)
		}
		return v.Value + "%", nil
	}
	if v.Prefix != search.PrefixEq {
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedModifier,
			"comparison prefix %q on parameter %q is not supported by the search-engine backend", v.Prefix, p.Name)
	}
	return v.Value, nil
}

// quoteLiteral renders s as a single-quoted SQL string literal,
// doubling embedded quotes. Parameter names come from the trusted
// param registry, not end-user text, but this keeps the -> operand
// safe to interpolate regardless.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
