// Package querybuilder translates a parsed search.SearchQuery into
// backend-native queries (§4.5's "translating a common parameter
// model into backend-native queries", §6.3). This file holds the
// row-store SQL translation; searchengine's JSON translation lives in
// the searchengine package since its shape is specific to that
// backend's document model.
package querybuilder

import (
	"fmt"
	"strings"

	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/fhirerr"
	"github.com/fhirstore/persistence/core/search"
)

// RowStoreQuery is a ready-to-execute SQL statement plus its
// positional arguments.
type RowStoreQuery struct {
	SQL  string
	Args []interface{}
}

type builder struct {
	schema string
	args   []interface{}
	joins  []string
	where  []string
}

func (b *builder) placeholder(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// BuildRowStore compiles q into a SELECT against the row-store
// reference backend's resources/search_index tables, scoped to
// tenantID per §4.9's tenant-id leading key and sorted/paginated per
// §4.5's sorting and cursor rules. The resource id is always appended
// as the final sort tiebreaker.
func BuildRowStore(schema, tenantID string, q *search.SearchQuery) (*RowStoreQuery, error) {
	b := &builder{schema: schema}
	resourcesTable := schema + `."resources"`

	b.where = append(b.where, fmt.Sprintf("r.tenant_id=%s", b.placeholder(tenantID)))
	b.where = append(b.where, fmt.Sprintf("r.resource_type=%s", b.placeholder(q.ResourceType)))
	b.where = append(b.where, "r.is_deleted=false")

	for i, p := range q.Parameters {
		clause, err := b.parameterClause(i, p)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			b.where = append(b.where, clause)
		}
	}

	sortSQL, sortArgs, err := b.sortClause(q)
	if err != nil {
		return nil, err
	}

	sql := "SELECT r.* FROM " + resourcesTable + " r WHERE " + strings.Join(b.where, " AND ") +
		" ORDER BY " + sortSQL
	args := append(b.args, sortArgs...)

	if q.Count != nil {
		limit := search.ClampCount(q.Count, 100, search.DefaultMaxPageSize)
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset != nil {
		args = append(args, *q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return &RowStoreQuery{SQL: sql, Args: args}, nil
}

// parameterClause emits an EXISTS(...) subquery over search_index for
// one SearchParameter, ANDed with the primary query per §4.7.
func (b *builder) parameterClause(idx int, p search.SearchParameter) (string, error) {
	if p.Modifier == search.ModifierMissing {
		alias := fmt.Sprintf("si_missing_%d", idx)
		exists := fmt.Sprintf(
			`EXISTS (SELECT 1 FROM %s."search_index" %s WHERE %s.tenant_id=r.tenant_id AND %s.resource_type=r.resource_type AND %s.resource_id=r.resource_id AND %s.param_name=%s)`,
			b.schema, alias, alias, alias, alias, alias, b.placeholder(p.Name))
		if p.MissingTrue {
			return "NOT " + exists, nil
		}
		return exists, nil
	}

	switch p.Type {
	case search.TypeComposite:
		return b.compositeClause(idx, p)
	case search.TypeSpecial:
		// _has reverse-chains and chained references are resolved by
		// the caller before the query reaches the builder (they widen
		// to an id-set filter); a bare special parameter with no
		// values contributes no predicate here.
		return "", nil
	}

	if len(p.Values) == 0 {
		return "", nil
	}

	var ors []string
	for _, v := range p.Values {
		clause, err := valueClause(b, idx, p, v)
		if err != nil {
			return "", err
		}
		ors = append(ors, clause)
	}
	return "(" + strings.Join(ors, " OR ") + ")", nil
}

func valueClause(b *builder, idx int, p search.SearchParameter, v search.SearchValue) (string, error) {
	alias := fmt.Sprintf("si_%d", idx)
	base := fmt.Sprintf(`%s.tenant_id=r.tenant_id AND %s.resource_type=r.resource_type AND %s.resource_id=r.resource_id AND %s.param_name=%s`,
		alias, alias, alias, alias, b.placeholder(p.Name))

	var cmp string
	switch p.Type {
	case search.TypeString:
		col := alias + ".value_string"
		switch p.Modifier {
		case search.ModifierExact:
			cmp = fmt.Sprintf("%s=%s", col, b.placeholder(v.Value))
		case search.ModifierContains:
			cmp = fmt.Sprintf("%s ILIKE %s", col, b.placeholder("%"+v.Value+"%"))
		default:
			cmp = fmt.Sprintf("%s ILIKE %s", col, b.placeholder(v.Value+"%"))
		}
	case search.TypeToken:
		system, code := splitTokenValue(v.Value)
		var parts []string
		if system != "" {
			parts = append(parts, fmt.Sprintf("%s.value_token_system=%s", alias, b.placeholder(system)))
		}
		if code != "" {
			parts = append(parts, fmt.Sprintf("%s.value_token_code=%s", alias, b.placeholder(code)))
		}
		if len(parts) == 0 {
			parts = append(parts, "true")
		}
		cmp = strings.Join(parts, " AND ")
	case search.TypeURI:
		cmp = fmt.Sprintf("%s.value_uri=%s", alias, b.placeholder(v.Value))
	case search.TypeReference:
		cmp = fmt.Sprintf("%s.value_reference=%s", alias, b.placeholder(v.Value))
	case search.TypeDate:
		c, err := dateClause(b, alias, v)
		if err != nil {
			return "", err
		}
		cmp = c
	default:
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedParamType,
			"row-store query builder does not know how to translate parameter type %q", p.Type)
	}

	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s.\"search_index\" %s WHERE %s AND %s)",
		b.schema, alias, base, cmp), nil
}

// dateClause translates one prefixed date SearchValue into a range
// comparison against the row's [value_date, value_date_end) interval,
// per §4.5/§8's date-precision range matching. It shares
// extractor.NormalizeDateRange with the write path so a stored row's
// range and a query's range always expand the same way.
func dateClause(b *builder, alias string, v search.SearchValue) (string, error) {
	start, end, _, ok := extractor.NormalizeDateRange(v.Value)
	if !ok {
		return "", fhirerr.New(fhirerr.KindValidation, fhirerr.CodeInvalidSearchParam,
			"%q is not a valid FHIR date/dateTime/instant", v.Value)
	}
	rowStart := alias + ".value_date"
	rowEnd := alias + ".value_date_end"
	qStart, qEnd := b.placeholder(start), b.placeholder(end)

	switch v.Prefix {
	case search.PrefixEq, "":
		return fmt.Sprintf("%s < %s AND %s > %s", rowStart, qEnd, rowEnd, qStart), nil
	case search.PrefixNe:
		return fmt.Sprintf("NOT (%s < %s AND %s > %s)", rowStart, qEnd, rowEnd, qStart), nil
	case search.PrefixGt:
		return fmt.Sprintf("%s > %s", rowStart, qEnd), nil
	case search.PrefixLt:
		return fmt.Sprintf("%s < %s", rowEnd, qStart), nil
	case search.PrefixGe:
		return fmt.Sprintf("%s >= %s", rowStart, qStart), nil
	case search.PrefixLe:
		return fmt.Sprintf("%s <= %s", rowEnd, qEnd), nil
	case search.PrefixSa:
		return fmt.Sprintf("%s >= %s", rowStart, qEnd), nil
	case search.PrefixEb:
		return fmt.Sprintf("%s <= %s", rowEnd, qStart), nil
	case search.PrefixAp:
		// matched exactly like eq: any overlap with the query's own
		// precision range. No additional fuzz window is applied.
		return fmt.Sprintf("%s < %s AND %s > %s", rowStart, qEnd, rowEnd, qStart), nil
	default:
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedParamType,
			"unsupported date prefix %q", v.Prefix)
	}
}

func splitTokenValue(raw string) (system, code string) {
	if idx := strings.IndexByte(raw, '|'); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return "", raw
}

func (b *builder) compositeClause(idx int, p search.SearchParameter) (string, error) {
	if len(p.CompositeComponents) == 0 {
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeInvalidComposite,
			"composite parameter %q has no component definitions", p.Name)
	}
	var ors []string
	for occIdx, val := range p.Values {
		parts := strings.Split(val.Value, "$")
		if len(parts) != len(p.CompositeComponents) {
			return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeInvalidComposite,
				"composite parameter %q expects %d components joined by $, got %d",
				p.Name, len(p.CompositeComponents), len(parts))
		}
		alias := fmt.Sprintf("si_%d_%d", idx, occIdx)
		var inner []string
		for ci, comp := range p.CompositeComponents {
			compAlias := fmt.Sprintf("%s_%d", alias, ci)
			// each component's EXISTS is nested inside the previous one's
			// so it can require the same composite_group.
			prevAlias := compAlias
			if ci > 0 {
				prevAlias = fmt.Sprintf("%s_%d", alias, ci-1)
			}
			compName := comp.Name
			compVal := parts[ci]
			cmp, err := compositeComponentCmp(b, compAlias, comp.Type, compVal)
			if err != nil {
				return "", err
			}
			inner = append(inner, fmt.Sprintf(
				`EXISTS (SELECT 1 FROM %s."search_index" %s WHERE %s.tenant_id=r.tenant_id AND %s.resource_type=r.resource_type AND %s.resource_id=r.resource_id AND %s.param_name=%s AND %s.composite_group=%s.composite_group AND %s`,
				b.schema, compAlias, compAlias, compAlias, compAlias, compAlias,
				b.placeholder(p.Name+"."+compName), compAlias, prevAlias, cmp))
		}
		ors = append(ors, "("+strings.Join(inner, " AND ")+strings.Repeat(")", len(inner))+")")
	}
	return "(" + strings.Join(ors, " OR ") + ")", nil
}

func compositeComponentCmp(b *builder, alias string, t search.ParamType, raw string) (string, error) {
	switch t {
	case search.TypeToken:
		system, code := splitTokenValue(raw)
		if system != "" {
			return fmt.Sprintf("%s.value_token_system=%s AND %s.value_token_code=%s",
				alias, b.placeholder(system), alias, b.placeholder(code)), nil
		}
		return fmt.Sprintf("%s.value_token_code=%s", alias, b.placeholder(code)), nil
	case search.TypeQuantity, search.TypeNumber:
		prefix, val := search.SplitPrefix(raw)
		op, err := numericOp(prefix)
		if err != nil {
			return "", err
		}
		col := alias + ".value_quantity_value"
		if t == search.TypeNumber {
			col = alias + ".value_number"
		}
		return fmt.Sprintf("%s%s%s", col, op, b.placeholder(val)), nil
	case search.TypeString:
		return fmt.Sprintf("%s.value_string=%s", alias, b.placeholder(raw)), nil
	default:
		return "true", nil
	}
}

func numericOp(p search.Prefix) (string, error) {
	switch p {
	case search.PrefixEq, "":
		return "=", nil
	case search.PrefixNe:
		return "!=", nil
	case search.PrefixGt:
		return ">", nil
	case search.PrefixLt:
		return "<", nil
	case search.PrefixGe:
		return ">=", nil
	case search.PrefixLe:
		return "<=", nil
	default:
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeUnsupportedParamType,
			"prefix %q is not supported on a composite numeric component", p)
	}
}

// sortClause builds the ORDER BY clause, always terminating with the
// resource id ascending per §4.5/§8's cursor tiebreaker rule, and (if
// q.Cursor is set) appends the cursor's "(sort-key, id) > cursor"
// predicate to b.where.
func (b *builder) sortClause(q *search.SearchQuery) (string, []interface{}, error) {
	directives := q.Sort
	if len(directives) == 0 {
		directives = []search.SortDirective{{Param: "_lastUpdated", Descending: true}}
	}
	var parts []string
	for _, d := range directives {
		col, err := sortColumn(d.Param)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if d.Descending {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, "r.resource_id ASC")

	if q.Cursor != "" {
		c, err := search.DecodeCursor(q.Cursor)
		if err != nil {
			return "", nil, err
		}
		b.where = append(b.where, fmt.Sprintf(
			"(r.last_modified < %s OR (r.last_modified = %s AND r.resource_id > %s))",
			b.placeholder(c.SortKey), b.placeholder(c.SortKey), b.placeholder(c.ResourceID)))
	}
	return strings.Join(parts, ", "), nil, nil
}

func sortColumn(param string) (string, error) {
	switch param {
	case "_lastUpdated", "lastUpdated":
		return "r.last_modified", nil
	case "_id", "id":
		return "r.resource_id", nil
	default:
		// Sorting by an arbitrary search parameter requires a join to
		// search_index; the reference backend supports this only for
		// the two canonical fields above, matching §4.7's "sort by the
		// default or requested ordering" over the resources table.
		return "", fhirerr.New(fhirerr.KindSearch, fhirerr.CodeQueryParseError,
			"sorting by search parameter %q is not supported by the row-store backend", param)
	}
}
