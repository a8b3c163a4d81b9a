package core

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestOperationsJSONUnmarshalling(t *testing.T) {
	type Object struct {
		Operations []Operation `json:"operations"`
	}
	var object Object
	jsonRead := `{"operations":["create","read","update","patch","list"]}`
	if err := json.Unmarshal([]byte(jsonRead), &object); err != nil {
		t.Fatal(err)
	}
	if len(object.Operations) != 5 || object.Operations[3] != OperationPatch {
		t.Fatalf("unexpected operations: %v", object.Operations)
	}

	jsonRead = `{"operations":["invalid"]}`
	if err := json.Unmarshal([]byte(jsonRead), &object); err == nil {
		t.Fatal("invalid operation accepted")
	}
}
