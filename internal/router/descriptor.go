// Package router picks a model backend for each turn, invokes it with rate
// and concurrency limits, meters cost, and tracks per-backend health.
//
// The pool is a fixed set of [Descriptor] values bound to provider adapters
// at construction. Selection walks routing rules in a strict order: a
// scenario-bound override first, then a tier-bound override, then the
// primary, then backups. Backends whose health sidecar reports down are
// skipped everywhere.
package router

import (
	"github.com/inknowing/dialogued/pkg/provider/llm"
	"github.com/inknowing/dialogued/pkg/types"
)

// Role places a descriptor in the routing rule order.
type Role string

const (
	// RolePrimary is the default backend for all turns.
	RolePrimary Role = "primary"

	// RoleBackup serves turns when stronger rules yield nothing healthy.
	RoleBackup Role = "backup"

	// RoleScenario binds a backend to one dialogue scenario.
	RoleScenario Role = "scenario"

	// RoleTier binds a backend to one membership tier.
	RoleTier Role = "tier"
)

// Scenario names the kind of work being routed.
type Scenario string

const (
	// ScenarioBook is free-form question dialogue about a book.
	ScenarioBook Scenario = "book"

	// ScenarioCharacter is in-character roleplay dialogue.
	ScenarioCharacter Scenario = "character"

	// ScenarioSummary is background history summarization.
	ScenarioSummary Scenario = "summary"
)

// Pricing is the cost of a descriptor in US dollars per 1000 tokens.
type Pricing struct {
	InputPerK  float64
	OutputPerK float64
}

// Descriptor is one logical model backend.
type Descriptor struct {
	// ID is unique within the pool and stable across restarts; it is what
	// sessions record in model_used.
	ID string

	// ProviderTag names the adapter family (qwen, zhipu, baidu, openai).
	ProviderTag string

	// Model is the remote model name sent to the provider.
	Model string

	// Role places the descriptor in the routing rule order.
	Role Role

	// Scenario binds the descriptor when Role is [RoleScenario].
	Scenario Scenario

	// Tier binds the descriptor when Role is [RoleTier].
	Tier types.Tier

	// Grade orders descriptors by model strength. Failover never moves to a
	// lower grade, and summaries go to the lowest healthy grade.
	Grade int

	Pricing Pricing

	// Temperature and MaxTokens are the decoding parameters sent with every
	// request unless the request sets its own.
	Temperature float64
	MaxTokens   int

	// MaxContextTokens caps the assembled prompt. Zero falls back to the
	// provider's reported context window.
	MaxContextTokens int

	// MaxConcurrent bounds in-flight calls to this backend. Zero means 8.
	MaxConcurrent int64

	// RequestsPerSecond refills this backend's rate bucket. Zero means 5.
	RequestsPerSecond float64
}

// Entry binds a descriptor to its provider adapter for pool construction.
type Entry struct {
	Descriptor Descriptor
	Provider   llm.Provider
}

const (
	defaultMaxConcurrent     = 8
	defaultRequestsPerSecond = 5.0
)
