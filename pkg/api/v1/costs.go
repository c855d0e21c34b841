package v1

import "time"

// InvocationCategory buckets hub-level LLM invocations for cost accounting.
type InvocationCategory string

const (
	CategoryExecuting     InvocationCategory = "executing"
	CategoryImproving     InvocationCategory = "improving"
	CategoryContemplating InvocationCategory = "contemplating"
)

// InvocationRecord is one durable cost-ledger entry.
type InvocationRecord struct {
	ID        string             `json:"id"`
	Category  InvocationCategory `json:"category"`
	Tokens    int64              `json:"tokens,omitempty"`
	CostUSD   float64            `json:"cost_usd,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// CostWindow is a rolling counter for one category.
type CostWindow struct {
	Count   int64   `json:"count"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// BudgetCaps are the configured per-category invocation limits.
type BudgetCaps struct {
	Hourly int64 `json:"hourly"`
	Daily  int64 `json:"daily"`
}

// CostStats is the ledger's aggregate view.
type CostStats struct {
	Hourly  map[InvocationCategory]CostWindow `json:"hourly"`
	Daily   map[InvocationCategory]CostWindow `json:"daily"`
	Session map[InvocationCategory]CostWindow `json:"session"`
	Budgets map[InvocationCategory]BudgetCaps `json:"budgets"`
}
