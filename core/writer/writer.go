// Package writer translates extractor.ExtractedValue lists into
// backend-native index operations (§4.6 step 5, §4.7's search_index
// table, §4.9's tenant leading key). A Writer is paired with exactly
// one backend kind; this package holds the row-store SQL writer used
// by core/backend and the IndexWriter interface it implements. The
// search-engine secondary (searchengine/) keeps its own document index
// and does not use this package.
package writer

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fhirstore/persistence/core/extractor"
)

// IndexWriter persists an ExtractedValue list for one resource write.
// ACID backends call it within the same transaction as the resource
// write (ResourceRef.Tx non-nil). RowStoreWriter is its only
// implementation and rejects a nil Tx.
type IndexWriter interface {
	WriteIndex(ref ResourceRef, values []extractor.ExtractedValue) error
}

// ResourceRef identifies the resource an index write belongs to and,
// for ACID backends, carries the transaction the write must join.
type ResourceRef struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	VersionID    string
	Tx           *sql.Tx
}

// RowStoreWriter writes ExtractedValues into the row-store reference
// backend's search_index table (§4.7), one row per value, within the
// caller-supplied transaction.
type RowStoreWriter struct {
	Schema string
}

// NewRowStoreWriter returns a writer that qualifies its SQL with
// schema (the tenancy-strategy-resolved Postgres schema, §4.9).
func NewRowStoreWriter(schema string) *RowStoreWriter {
	return &RowStoreWriter{Schema: schema}
}

// WriteIndex implements IndexWriter. It first clears any prior index
// rows for this (tenant, type, id) — a write always supersedes the
// previous version's index, matching a versioned resource's "current"
// search surface — then inserts one row per value.
func (w *RowStoreWriter) WriteIndex(ref ResourceRef, values []extractor.ExtractedValue) error {
	if ref.Tx == nil {
		return fmt.Errorf("row-store index writer requires a transaction")
	}
	table := w.Schema + `."search_index"`
	if _, err := ref.Tx.Exec(
		`DELETE FROM `+table+` WHERE tenant_id=$1 AND resource_type=$2 AND resource_id=$3;`,
		ref.TenantID, ref.ResourceType, ref.ResourceID); err != nil {
		return fmt.Errorf("clearing prior search index rows: %w", err)
	}
	if len(values) == 0 {
		return nil
	}

	var (
		cols = []string{
			"tenant_id", "resource_type", "resource_id", "version_id",
			"param_name", "param_url", "param_type", "composite_group",
			"value_string", "value_token_system", "value_token_code",
			"value_date", "value_date_end", "value_date_precision", "value_number",
			"value_quantity_value", "value_quantity_unit", "value_quantity_system",
			"value_reference", "value_uri",
		}
		placeholders []string
		args         []interface{}
	)
	for i, v := range values {
		base := i * len(cols)
		ph := make([]string, len(cols))
		for j := range cols {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
		// non-date values leave the timestamptz columns NULL; an empty
		// string is not a valid timestamp.
		var dateStart, dateEnd interface{}
		if v.DateValue != "" {
			dateStart = v.DateValue
		}
		if v.DateEnd != "" {
			dateEnd = v.DateEnd
		}
		args = append(args,
			ref.TenantID, ref.ResourceType, ref.ResourceID, ref.VersionID,
			v.ParamName, v.ParamURL, string(v.ParamType), v.CompositeGroup,
			v.ValueString, v.TokenSystem, v.TokenCode,
			dateStart, dateEnd, v.DatePrecision, v.NumberValue,
			v.QuantityValue, v.QuantityUnit, v.QuantitySystem,
			v.ReferenceValue, v.URIValue,
		)
	}
	stmt := `INSERT INTO ` + table + ` (` + strings.Join(cols, ",") + `) VALUES ` + strings.Join(placeholders, ",") + `;`
	if _, err := ref.Tx.Exec(stmt, args...); err != nil {
		return fmt.Errorf("inserting search index rows: %w", err)
	}
	return nil
}
