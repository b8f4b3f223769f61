// Package types defines the shared types used across all dialogued packages.
//
// These types form the lingua franca between providers, the model router, the
// context assembler, and the session manager. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "fmt"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts,
	// e.g. the character a dialogue session embodies).
	Name string
}

// Conversation roles understood by every LLM provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports token consumption for a single model invocation.
type Usage struct {
	// PromptTokens is the number of tokens in the submitted prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens the model generated.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Tier is a user's membership level. Tiers are ordered: each constant ranks
// strictly above the previous one, and model selection never routes a user to
// a model graded above their tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierSuper   Tier = "super"
)

// Rank returns the tier's position in the ordering, with free lowest.
// Unknown tiers rank below free so they never unlock anything.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierBasic:
		return 1
	case TierPremium:
		return 2
	case TierSuper:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether t is one of the defined membership tiers.
func (t Tier) IsValid() bool {
	return t.Rank() >= 0
}

// AtLeast reports whether t ranks equal to or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

// SessionKind distinguishes the two dialogue modes.
type SessionKind string

const (
	// KindBook is a dialogue with a book itself: the model answers as a
	// knowledgeable guide over the book's content.
	KindBook SessionKind = "book"

	// KindCharacter is a dialogue with a character from a book: the model
	// answers in the character's voice and perspective.
	KindCharacter SessionKind = "character"
)

// IsValid reports whether k is a defined session kind.
func (k SessionKind) IsValid() bool {
	return k == KindBook || k == KindCharacter
}

// Principal identifies the authenticated caller of a request. It deliberately
// carries only what admission decisions need; profile data stays out of the
// dialogue runtime.
type Principal struct {
	// UserID is the stable user identifier.
	UserID string

	// Tier is the user's membership level at the time the token was issued.
	Tier Tier
}

// CostMicros is a monetary amount in micro-dollars (1e-6 USD), stored as an
// integer so per-turn costs accumulate without floating-point drift.
type CostMicros int64

// MicrosPerDollar is the fixed-point scale of [CostMicros].
const MicrosPerDollar = 1_000_000

// MicrosFromDollars converts a float dollar amount (e.g. a configured
// per-1K-token price) to micro-dollars, rounding half away from zero.
func MicrosFromDollars(d float64) CostMicros {
	if d >= 0 {
		return CostMicros(d*MicrosPerDollar + 0.5)
	}
	return CostMicros(d*MicrosPerDollar - 0.5)
}

// Dollars returns the amount as a float64 dollar value.
func (c CostMicros) Dollars() float64 {
	return float64(c) / MicrosPerDollar
}

// String formats the amount as a dollar figure with six decimal places,
// e.g. "$0.000450".
func (c CostMicros) String() string {
	neg := ""
	v := int64(c)
	if v < 0 {
		neg = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", neg, v/MicrosPerDollar, v%MicrosPerDollar)
}
