package searchengine

import (
	"strconv"

	"github.com/fhirstore/persistence/core/extractor"
	"github.com/fhirstore/persistence/core/search"
)

// indexOf renders a resource version's extracted search values into
// the map[paramName][]string shape stored in the documents table's
// index column: every occurrence of a parameter contributes one
// rendered string, so a repeated parameter (e.g. multiple
// identifiers) is searchable by any of its occurrences, and query.go
// matches against each element with jsonb_array_elements_text.
func indexOf(values []extractor.ExtractedValue) map[string][]string {
	idx := make(map[string][]string)
	for _, v := range values {
		idx[v.ParamName] = append(idx[v.ParamName], renderValue(v))
	}
	return idx
}

// renderValue reduces one ExtractedValue to the single comparable
// string query.go matches against, per its ParamType.
func renderValue(v extractor.ExtractedValue) string {
	switch v.ParamType {
	case search.TypeToken:
		if v.TokenSystem != "" {
			return v.TokenSystem + "|" + v.TokenCode
		}
		return v.TokenCode
	case search.TypeDate:
		return v.DateValue
	case search.TypeNumber:
		return strconv.FormatFloat(v.NumberValue, 'f', -1, 64)
	case search.TypeQuantity:
		return strconv.FormatFloat(v.QuantityValue, 'f', -1, 64) + "|" + v.QuantityUnit
	case search.TypeReference:
		return v.ReferenceValue
	case search.TypeURI:
		return v.URIValue
	default:
		return v.ValueString
	}
}
