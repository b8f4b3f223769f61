package catalog

import (
	"context"
	"log/slog"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
)

// Catalog is the publish-gated view of books and characters the runtime
// starts sessions against.
//
// All methods are safe for concurrent use.
type Catalog struct {
	store    store.Catalog
	resolver *Resolver
}

// New returns a Catalog reading from st.
func New(st store.Catalog, opts ...ResolverOption) *Catalog {
	return &Catalog{
		store:    st,
		resolver: NewResolver(opts...),
	}
}

// ResolveBook returns the book a session may start on. Unknown books map to
// NotFound; unpublished books to Forbidden. Unpublishing never retroacts on
// sessions already running.
func (c *Catalog) ResolveBook(ctx context.Context, bookID string) (*store.Book, error) {
	book, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, fault.Newf(fault.NotFound, "book %s not found", bookID)
	}
	if !book.Published {
		return nil, fault.Newf(fault.Forbidden, "book %s is not published", bookID)
	}
	return book, nil
}

// LookupBook returns a book without the publish gate. Rehydrating an
// existing session must not fail because the book was unpublished after the
// session started.
func (c *Catalog) LookupBook(ctx context.Context, bookID string) (*store.Book, error) {
	book, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book == nil {
		return nil, fault.Newf(fault.NotFound, "book %s not found", bookID)
	}
	return book, nil
}

// ResolveCharacter returns the persona for a character session. A character
// that does not exist, or that belongs to a different book, maps to
// NotFound.
func (c *Catalog) ResolveCharacter(ctx context.Context, bookID, characterID string) (*store.Character, error) {
	ch, err := c.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if ch == nil || ch.BookID != bookID {
		return nil, fault.Newf(fault.NotFound, "character %s not found in book %s", characterID, bookID)
	}
	return ch, nil
}

// ResolveCharacterByName finds the persona a reader named free-form, via
// exact, phonetic, then fuzzy matching over names and aliases. No confident
// match maps to NotFound.
func (c *Catalog) ResolveCharacterByName(ctx context.Context, bookID, name string) (*store.Character, error) {
	characters, err := c.store.ListCharacters(ctx, bookID)
	if err != nil {
		return nil, err
	}

	match, confidence, ok := c.resolver.Resolve(name, characters)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "no character matching %q in book %s", name, bookID)
	}

	slog.Debug("character resolved by name",
		"book_id", bookID,
		"query", name,
		"character_id", match.ID,
		"confidence", confidence,
	)
	return &match, nil
}
