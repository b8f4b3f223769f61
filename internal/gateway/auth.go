package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/pkg/types"
)

// Verifier resolves a bearer credential to a principal. Credentials are
// opaque to the runtime; implementations own validation, expiry, and
// revocation. A failed lookup returns an error, typically of kind
// [fault.Auth].
type Verifier interface {
	Verify(ctx context.Context, token string) (types.Principal, error)
}

// VerifierFunc adapts a function to the [Verifier] interface.
type VerifierFunc func(ctx context.Context, token string) (types.Principal, error)

// Verify implements [Verifier].
func (f VerifierFunc) Verify(ctx context.Context, token string) (types.Principal, error) {
	return f(ctx, token)
}

// StaticVerifier maps fixed tokens to principals. It backs development and
// test deployments; production injects a verifier talking to the identity
// service.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]types.Principal
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier builds a verifier over a copy of tokens.
func NewStaticVerifier(tokens map[string]types.Principal) *StaticVerifier {
	cp := make(map[string]types.Principal, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

// Add registers one token. Used by tests and the dev loop.
func (v *StaticVerifier) Add(token string, p types.Principal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = p
}

// Verify implements [Verifier].
func (v *StaticVerifier) Verify(_ context.Context, token string) (types.Principal, error) {
	v.mu.RLock()
	p, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok {
		return types.Principal{}, fault.New(fault.Auth, "invalid credential")
	}
	return p, nil
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the access_token query parameter. The fallback exists for
// WebSocket clients that cannot set headers during the upgrade.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}

// authenticate resolves the request's bearer credential to a principal. The
// returned fault is kind Auth when the credential is missing or rejected.
func (g *Gateway) authenticate(r *http.Request) (types.Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return types.Principal{}, fault.New(fault.Auth, "missing bearer credential")
	}
	p, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return types.Principal{}, err
		}
		return types.Principal{}, fault.Wrap(fault.Auth, "credential rejected", err)
	}
	if p.UserID == "" || !p.Tier.IsValid() {
		return types.Principal{}, fault.New(fault.Auth, "credential carries no usable principal")
	}
	return p, nil
}
