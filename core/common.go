// Package core holds the handful of types shared by every layer of the
// storage engine: the mutation Operation enum used by tenant permissions,
// the extractor, and the backend trait stack.
package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Operation represents a backend storage operation that a TenantContext's
// permission set is checked against, and the method that produced a
// StoredResource version.
type Operation string

// all supported storage operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationPatch  Operation = "patch"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	OperationClear  Operation = "clear"
)

// UnmarshalJSON is a custom JSON unmarshaller that rejects unknown operations.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationPatch, OperationDelete, OperationList, OperationClear:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}
