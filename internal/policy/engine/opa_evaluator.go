package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const admissionQuery = "data.fleet.admission"

// DefaultPolicy admits every authenticated submission.
const DefaultPolicy = `package fleet.admission

default allow := true
`

// OPAEvaluator implements Evaluator with a compiled Rego policy.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the given Rego modules, or DefaultPolicy when none are given.
// Policies must live in package fleet.admission and may define allow (bool) and reason (string).
func NewOPAEvaluator(ctx context.Context, policies ...string) (*OPAEvaluator, error) {
	if len(policies) == 0 {
		policies = []string{DefaultPolicy}
	}
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("admission_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	q, err := rego.New(
		rego.Query(admissionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// LoadPolicyFile reads a Rego module from path.
func LoadPolicyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("policy: read %s: %w", path, err)
	}
	return string(b), nil
}

// Admit evaluates the policy for in. An undefined allow is a denial.
func (e *OPAEvaluator) Admit(ctx context.Context, in Input) (Decision, error) {
	input := map[string]interface{}{
		"device":    in.Device,
		"kind":      in.Kind,
		"auth_mode": in.AuthMode,
	}
	if len(in.Payload) > 0 {
		var payload interface{}
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return Decision{}, fmt.Errorf("policy: payload: %w", err)
		}
		input["payload"] = payload
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Reason: "policy produced no result"}, nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("policy: unexpected result %T", rs[0].Expressions[0].Value)
	}
	var d Decision
	if v, ok := doc["allow"].(bool); ok {
		d.Allow = v
	}
	if v, ok := doc["reason"].(string); ok {
		d.Reason = v
	}
	return d, nil
}

// HealthCheck evaluates the policy against an empty submission to verify it runs.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.Admit(ctx, Input{}); err != nil {
		return err
	}
	return nil
}
