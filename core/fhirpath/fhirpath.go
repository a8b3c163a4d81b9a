// Package fhirpath declares the consumed-interface contract for the
// external FHIRPath expression evaluator (§6.1): given an expression
// and a JSON resource body, return the list of JSON values it
// produces. The evaluator itself is an external collaborator, out of
// scope per §1; this package only pins down the shape the extractor
// depends on, plus a small in-memory fake for tests that don't need a
// real evaluator.
package fhirpath

import "github.com/goccy/go-json"

// Evaluator evaluates a FHIRPath expression against a JSON resource
// body and returns the list of values it selects. On an error the
// extractor logs a warning and drops that parameter; the write is
// never aborted.
type Evaluator interface {
	Evaluate(expression string, resource json.RawMessage) ([]interface{}, error)
}

// Fake is a minimal in-memory Evaluator for tests: it resolves a
// handful of canned expression->values mappings without parsing
// FHIRPath at all. Production deployments plug in a real evaluator;
// this package never becomes one.
type Fake struct {
	Results map[string][]interface{}
	Err     map[string]error
}

// NewFake returns an empty Fake ready for Set calls.
func NewFake() *Fake {
	return &Fake{Results: map[string][]interface{}{}, Err: map[string]error{}}
}

// Set registers the canned result for expression.
func (f *Fake) Set(expression string, values ...interface{}) *Fake {
	f.Results[expression] = values
	return f
}

// SetErr registers a canned error for expression.
func (f *Fake) SetErr(expression string, err error) *Fake {
	f.Err[expression] = err
	return f
}

// Evaluate implements Evaluator.
func (f *Fake) Evaluate(expression string, resource json.RawMessage) ([]interface{}, error) {
	if err, ok := f.Err[expression]; ok {
		return nil, err
	}
	return f.Results[expression], nil
}
