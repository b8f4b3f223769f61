// Package catalog gates dialogue onto the book catalog: it resolves books
// and character personas for session start, enforcing the publish gate, and
// resolves free-form character names (as typed by readers) onto canonical
// personas.
//
// Name resolution proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word of the query and for each persona name and alias. A persona
//     whose codes overlap the query's becomes a phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the persona with the
//     highest Jaro-Winkler similarity (case-insensitive, best across names
//     and aliases) wins — provided its score exceeds the phonetic threshold.
//
//     When no phonetic candidate exists, a secondary pass tests pure
//     Jaro-Winkler similarity using a stricter fuzzy threshold, so "Eda" can
//     still reach "Edda" while "Captain" alone stays ambiguous.
package catalog

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/inknowing/dialogued/internal/store"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ResolverOption is a functional option for configuring a [Resolver].
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched persona to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the resolver falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.fuzzyThreshold = threshold
	}
}

// Resolver matches free-form character names against persona names and
// aliases. It is read-only after construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewResolver returns a Resolver configured with the supplied options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the persona in characters most similar to query, trying the
// canonical name and every alias of each persona.
//
// When matched is false, the returned character is the zero value and
// confidence is 0. An exact (case-insensitive) name or alias match wins
// immediately with confidence 1.
func (r *Resolver) Resolve(query string, characters []store.Character) (match store.Character, confidence float64, matched bool) {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower == "" || len(characters) == 0 {
		return store.Character{}, 0, false
	}
	queryTokens := strings.Fields(queryLower)
	queryCodes := codesForTokens(queryTokens)

	type candidate struct {
		character store.Character
		score     float64
		phonetic  bool
	}
	var best candidate

	for _, ch := range characters {
		for _, name := range namesOf(ch) {
			nameLower := strings.ToLower(strings.TrimSpace(name))
			if nameLower == "" {
				continue
			}
			if nameLower == queryLower {
				return ch, 1, true
			}
			nameTokens := strings.Fields(nameLower)

			nameCodes := codesForTokens(nameTokens)
			phoneticMatch := codesOverlap(queryCodes, nameCodes)

			jwScore := bestJWScore(queryTokens, nameTokens, queryLower, nameLower)

			if phoneticMatch {
				if jwScore >= r.phoneticThreshold {
					if !best.phonetic || jwScore > best.score {
						best = candidate{character: ch, score: jwScore, phonetic: true}
					}
				}
			} else if !best.phonetic {
				if jwScore >= r.fuzzyThreshold && jwScore > best.score {
					best = candidate{character: ch, score: jwScore, phonetic: false}
				}
			}
		}
	}

	if best.character.ID != "" {
		return best.character, best.score, true
	}
	return store.Character{}, 0, false
}

// namesOf returns the canonical name followed by all aliases.
func namesOf(ch store.Character) []string {
	names := make([]string, 0, 1+len(ch.Aliases))
	names = append(names, ch.Name)
	names = append(names, ch.Aliases...)
	return names
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the query
// and a persona name using three strategies:
//
//  1. Full-string comparison (e.g., "captain vos" vs "captain voss").
//  2. Space-stripped comparison (e.g., "captainvos" vs "captainvoss").
//  3. Best pairwise token comparison, for when one typed word corresponds
//     to one name word.
func bestJWScore(queryTokens, nameTokens []string, queryFull, nameFull string) float64 {
	score := matchr.JaroWinkler(queryFull, nameFull, false)

	if len(queryTokens) > 1 || len(nameTokens) > 1 {
		concat1 := strings.Join(queryTokens, "")
		concat2 := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, qt := range queryTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}

	return score
}
