package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/inknowing/dialogued/internal/catalog"
	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/store"
	storemock "github.com/inknowing/dialogued/internal/store/mock"
)

func seededCatalog() (*catalog.Catalog, *storemock.Catalog) {
	cs := storemock.NewCatalog()
	cs.AddBook(store.Book{ID: "book-1", Title: "The Lighthouse", Published: true, ChapterCount: 24})
	cs.AddBook(store.Book{ID: "book-2", Title: "Unreviewed Draft", Published: false})
	for _, ch := range testCharacters() {
		cs.AddCharacter(ch)
	}
	cs.AddCharacter(store.Character{ID: "char-other", BookID: "book-9", Name: "Stranger"})
	return catalog.New(cs), cs
}

func TestResolveBook(t *testing.T) {
	t.Parallel()

	c, _ := seededCatalog()
	ctx := context.Background()

	book, err := c.ResolveBook(ctx, "book-1")
	if err != nil {
		t.Fatalf("ResolveBook(published): %v", err)
	}
	if book.Title != "The Lighthouse" {
		t.Errorf("ResolveBook: got title %q", book.Title)
	}

	_, err = c.ResolveBook(ctx, "book-2")
	if !fault.IsKind(err, fault.Forbidden) {
		t.Errorf("ResolveBook(unpublished): want Forbidden, got %v", err)
	}

	_, err = c.ResolveBook(ctx, "book-none")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("ResolveBook(missing): want NotFound, got %v", err)
	}
}

func TestResolveBook_StoreError(t *testing.T) {
	t.Parallel()

	cs := storemock.NewCatalog()
	cs.GetBookErr = errors.New("connection refused")
	c := catalog.New(cs)

	_, err := c.ResolveBook(context.Background(), "book-1")
	if err == nil {
		t.Fatal("ResolveBook: want error")
	}
	// Storage faults are not domain faults; they surface unclassified and
	// the transport maps them to Internal.
	if fault.IsKind(err, fault.NotFound) || fault.IsKind(err, fault.Forbidden) {
		t.Errorf("ResolveBook: storage error misclassified: %v", err)
	}
}

func TestResolveCharacter(t *testing.T) {
	t.Parallel()

	c, _ := seededCatalog()
	ctx := context.Background()

	ch, err := c.ResolveCharacter(ctx, "book-1", "char-edda")
	if err != nil {
		t.Fatalf("ResolveCharacter: %v", err)
	}
	if ch.Name != "Edda the Keeper" {
		t.Errorf("ResolveCharacter: got %q", ch.Name)
	}

	// A character from another book is invisible here.
	_, err = c.ResolveCharacter(ctx, "book-1", "char-other")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("ResolveCharacter(cross-book): want NotFound, got %v", err)
	}

	_, err = c.ResolveCharacter(ctx, "book-1", "char-none")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("ResolveCharacter(missing): want NotFound, got %v", err)
	}
}

func TestResolveCharacterByName(t *testing.T) {
	t.Parallel()

	c, _ := seededCatalog()
	ctx := context.Background()

	ch, err := c.ResolveCharacterByName(ctx, "book-1", "voss")
	if err != nil {
		t.Fatalf("ResolveCharacterByName: %v", err)
	}
	if ch.ID != "char-voss" {
		t.Errorf("ResolveCharacterByName: got %q, want char-voss", ch.ID)
	}

	_, err = c.ResolveCharacterByName(ctx, "book-1", "nobody anyone knows")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("ResolveCharacterByName(no match): want NotFound, got %v", err)
	}

	// Characters of other books never resolve, even on exact name.
	_, err = c.ResolveCharacterByName(ctx, "book-1", "Stranger")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("ResolveCharacterByName(other book): want NotFound, got %v", err)
	}
}
