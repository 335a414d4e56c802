package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and runs CEL expressions against document and event
// payloads. Condition expressions gate emission rules and event handlers,
// mapping expressions derive field values. Compiled programs are cached per
// expression, so the per-message cost is evaluation only.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]*compiledExpr
}

type compiledExpr struct {
	program cel.Program
	isBool  bool
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("doctype", cel.StringType),
		cel.Variable("docname", cel.StringType),
		cel.Variable("event", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env, programs: make(map[string]*compiledExpr)}, nil
}

// EvalInput carries the variables bound for a single evaluation.
type EvalInput struct {
	Doctype string
	Docname string
	Event   string
	Tenant  string
	Doc     map[string]interface{}
	Payload map[string]interface{}
}

func (in EvalInput) vars() map[string]interface{} {
	doc := in.Doc
	if doc == nil {
		doc = map[string]interface{}{}
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"doctype": in.Doctype,
		"docname": in.Docname,
		"event":   in.Event,
		"tenant":  in.Tenant,
		"doc":     doc,
		"payload": payload,
	}
}

// compile returns the cached program for an expression, compiling on first
// use. cel.Program values are safe for concurrent evaluation.
func (e *Evaluator) compile(expression string) (*compiledExpr, error) {
	e.mu.RLock()
	cached, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	compiled := &compiledExpr{program: program, isBool: ast.OutputType() == cel.BoolType}
	e.mu.Lock()
	e.programs[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}

func (e *Evaluator) cachedPrograms() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// ValidateConditionExpression additionally checks that the expression
// yields a bool, since conditions decide whether a rule or handler fires.
func (e *Evaluator) ValidateConditionExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("condition expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

func (e *Evaluator) EvaluateCondition(ctx context.Context, expression string, input EvalInput) (bool, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	if !compiled.isBool {
		return false, fmt.Errorf("condition expression must return bool")
	}

	result, _, err := compiled.program.ContextEval(ctx, input.vars())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateMapping runs a mapping expression and returns its raw value.
func (e *Evaluator) EvaluateMapping(ctx context.Context, expression string, input EvalInput) (interface{}, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	result, _, err := compiled.program.ContextEval(ctx, input.vars())
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	return result.Value(), nil
}

func (e *Evaluator) CompileExpression(expression string) (cel.Program, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	return compiled.program, nil
}
