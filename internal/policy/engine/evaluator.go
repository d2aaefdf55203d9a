// Package engine evaluates ingest admission policies written in Rego.
package engine

import (
	"context"
	"encoding/json"
)

// Input is what a policy sees for one authenticated submission.
type Input struct {
	Device   string
	Kind     string
	AuthMode string
	Payload  json.RawMessage
}

// Decision is the outcome of an admission evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether an authenticated submission may be enqueued.
type Evaluator interface {
	Admit(ctx context.Context, in Input) (Decision, error)
}
