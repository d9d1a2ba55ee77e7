package risk

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/codremit/codremit/internal/domain"
)

// FlagEngine evaluates operator-defined CEL flag rules against an order.
// A matched rule appends its flag to the assessment and adds its boost
// to the score. Rules are compiled once and hot-reloadable.
type FlagEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledFlagRule
}

type compiledFlagRule struct {
	rule    *domain.FlagRule
	program cel.Program
}

// NewFlagEngine creates a new flag rule engine.
func NewFlagEngine() (*FlagEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("order_value", cel.IntType),
		cel.Variable("phone", cel.StringType),
		cel.Variable("pincode", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("state", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("orders_1h", cel.IntType),
		cel.Variable("orders_24h", cel.IntType),
		cel.Variable("orders_7d", cel.IntType),
		cel.Variable("total_orders", cel.IntType),
		cel.Variable("cash_orders", cel.IntType),
		cel.Variable("rto_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &FlagEngine{
		env:      env,
		compiled: make(map[string]*compiledFlagRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *FlagEngine) ValidateRule(r *domain.FlagRule) error {
	if r == nil {
		return fmt.Errorf("flag rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(r)
	return err
}

// LoadRules replaces the loaded rule set. Disabled rules are skipped.
func (e *FlagEngine) LoadRules(rules []*domain.FlagRule) error {
	compiled := make(map[string]*compiledFlagRule)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		c, err := e.compile(r)
		if err != nil {
			return err
		}
		compiled[r.ID] = c
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *FlagEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Evaluate runs all loaded rules against the scoring input and returns
// the matched flags with the total score boost.
func (e *FlagEngine) Evaluate(in ScoreInput) (flags []string, boost float64) {
	e.mu.RLock()
	rules := make([]*compiledFlagRule, 0, len(e.compiled))
	for _, r := range e.compiled {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, 0
	}

	activation := e.activation(in)

	for _, r := range rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.(types.Bool); ok && bool(matched) {
			flags = append(flags, r.rule.Flag)
			boost += r.rule.Boost
		}
	}

	return flags, boost
}

func (e *FlagEngine) activation(in ScoreInput) map[string]any {
	o := in.Order

	var totalOrders, cashOrders, rtoCount int64
	if in.Profile != nil {
		totalOrders = in.Profile.TotalOrders
		cashOrders = in.Profile.CashOrders
		rtoCount = in.Profile.RTOCount
	}

	return map[string]any{
		"order": map[string]any{
			"id":         o.OrderID,
			"account_id": o.AccountID,
			"value":      o.OrderValue,
			"phone":      o.Phone,
			"email":      o.Email,
		},
		"order_value":  o.OrderValue,
		"phone":        o.Phone,
		"pincode":      o.Address.Pincode,
		"city":         o.Address.City,
		"state":        o.Address.State,
		"hour":         int64(o.PlacedAt.Hour()),
		"orders_1h":    in.Orders1h,
		"orders_24h":   in.Orders24h,
		"orders_7d":    in.Orders7d,
		"total_orders": totalOrders,
		"cash_orders":  cashOrders,
		"rto_count":    rtoCount,
	}
}

func (e *FlagEngine) compile(r *domain.FlagRule) (*compiledFlagRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile flag rule %s: %w", r.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("flag rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for flag rule %s: %w", r.ID, err)
	}

	return &compiledFlagRule{rule: r, program: program}, nil
}
