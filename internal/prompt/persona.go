package prompt

import (
	"fmt"
	"strings"

	"github.com/inknowing/dialogued/internal/store"
)

// Affect is the character's present state, rendered as a short block at the
// end of a character preamble. Tone defaults to the persona's configured
// tone; Facts carry conversation topics the character should stay aware of.
type Affect struct {
	Tone  string
	Facts []string
}

// BookPreamble renders the system preamble for whole-book dialogue. Pure and
// deterministic; safe for concurrent use.
func BookPreamble(b *store.Book) string {
	if b == nil {
		return "You are a careful guide to a book. Keep every claim grounded in its actual text."
	}

	var sb strings.Builder
	if b.Author != "" {
		fmt.Fprintf(&sb, "You are a careful guide to %q by %s.", b.Title, b.Author)
	} else {
		fmt.Fprintf(&sb, "You are a careful guide to %q.", b.Title)
	}
	sb.WriteString(" Ground every claim in the book's actual text, cite chapters when you can,")
	sb.WriteString(" and say plainly when the book does not answer the question.")
	sb.WriteString(" Do not invent plot, characters, or quotations.")
	return sb.String()
}

// CharacterPreamble renders the system preamble for character roleplay from
// the persona row. Empty sections are omitted rather than rendered as bare
// headers. Pure and deterministic; safe for concurrent use.
func CharacterPreamble(ch *store.Character, bookTitle string, affect Affect) string {
	if ch == nil {
		return "You are a character from a book. Stay in character."
	}

	var sb strings.Builder
	if bookTitle != "" {
		fmt.Fprintf(&sb, "You are %s, a character from %q.", ch.Name, bookTitle)
	} else {
		fmt.Fprintf(&sb, "You are %s.", ch.Name)
	}
	if p := strings.TrimSpace(ch.Preamble); p != "" {
		sb.WriteString(" ")
		sb.WriteString(p)
	}
	sb.WriteString("\nNever break character, never mention being an AI or a language model,")
	sb.WriteString(" and only know what this character could know.")

	if voice := formatVoiceSection(ch); voice != "" {
		sb.WriteString("\n\n## Your voice\n")
		sb.WriteString(voice)
	}

	if len(ch.Memories) > 0 {
		sb.WriteString("\n\n## What you remember\n")
		sb.WriteString(formatMemoriesSection(ch.Memories))
	}

	if state := formatAffectSection(affect); state != "" {
		sb.WriteString("\n\n## Present state\n")
		sb.WriteString(state)
	}

	return sb.String()
}

// formatVoiceSection renders the register/tone style parameters as lines.
// Returns an empty string when the persona sets neither.
func formatVoiceSection(ch *store.Character) string {
	var lines []string
	if ch.Register != "" {
		lines = append(lines, fmt.Sprintf("Register: %s", ch.Register))
	}
	if ch.Tone != "" {
		lines = append(lines, fmt.Sprintf("Tone: %s", ch.Tone))
	}
	return strings.Join(lines, "\n")
}

func formatMemoriesSection(memories []string) string {
	var lines []string
	for _, m := range memories {
		if m = strings.TrimSpace(m); m != "" {
			lines = append(lines, "- "+m)
		}
	}
	return strings.Join(lines, "\n")
}

// formatAffectSection renders the mood line and the facts currently on the
// character's mind. Returns an empty string when the affect is blank.
func formatAffectSection(a Affect) string {
	var lines []string
	if a.Tone != "" {
		lines = append(lines, fmt.Sprintf("Mood: %s", a.Tone))
	}
	if len(a.Facts) > 0 {
		kept := make([]string, 0, len(a.Facts))
		for _, f := range a.Facts {
			if f = strings.TrimSpace(f); f != "" {
				kept = append(kept, f)
			}
		}
		if len(kept) > 0 {
			lines = append(lines, fmt.Sprintf("On your mind: %s", strings.Join(kept, "; ")))
		}
	}
	return strings.Join(lines, "\n")
}
