// Package auth validates caller credentials and issues short-lived sessions.
// Resolved secrets are cached in a W-TinyLFU cache so repeated lookups skip
// the hash comparison on the hot path.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/modelrelay/relay/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up credential revocations promptly
	cacheMaxLen = 10_000           // max concurrent active credentials expected per deployment
)

// Catalog is the credential index the authenticator reads.
type Catalog interface {
	CredentialByHash(hash string) (*relay.Credential, error)
	CredentialByID(id string) (*relay.Credential, error)
}

// Authenticator resolves credential secrets and session tokens into caller
// principals. Callers that present nothing are admitted anonymously from
// loopback addresses unless require is set; a presented credential that does
// not validate is always rejected, never downgraded to anonymous.
type Authenticator struct {
	catalog  Catalog
	sessions *SessionStore
	cache    *otter.Cache[string, *relay.Credential]
	require  bool
	logger   *slog.Logger
	idToHash sync.Map // credential ID -> secret hash for cache invalidation
}

// New returns an Authenticator backed by catalog and sessions. When require
// is true even loopback callers must authenticate.
func New(catalog Catalog, sessions *SessionStore, require bool, logger *slog.Logger) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *relay.Credential]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.Credential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{catalog: catalog, sessions: sessions, cache: c, require: require, logger: logger}, nil
}

// Authenticate resolves the caller from the request. A Bearer token is tried
// as a session first, then as a credential secret; X-API-Key carries a secret,
// X-Session-Token a session token. Query parameters session_token and api_key
// serve clients that cannot set headers.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*relay.Principal, error) {
	if token := bearerToken(r); token != "" {
		if p, ok := a.bySession(token); ok {
			return p, nil
		}
		return a.bySecret(token)
	}
	if secret := r.Header.Get("X-API-Key"); secret != "" {
		return a.bySecret(secret)
	}
	if token := r.Header.Get("X-Session-Token"); token != "" {
		if p, ok := a.bySession(token); ok {
			return p, nil
		}
		return nil, fmt.Errorf("session token: %w", relay.ErrForbidden)
	}
	q := r.URL.Query()
	if token := q.Get("session_token"); token != "" {
		if p, ok := a.bySession(token); ok {
			return p, nil
		}
		return nil, fmt.Errorf("session token: %w", relay.ErrForbidden)
	}
	if secret := q.Get("api_key"); secret != "" {
		return a.bySecret(secret)
	}

	if !a.require && Loopback(r.RemoteAddr) {
		return &relay.Principal{}, nil
	}
	return nil, relay.ErrAuthRequired
}

// Login validates a credential secret and issues a session for it.
func (a *Authenticator) Login(ctx context.Context, secret string) (*Session, error) {
	if secret == "" {
		return nil, relay.ErrAuthRequired
	}
	p, err := a.bySecret(secret)
	if err != nil {
		return nil, err
	}
	sess, err := a.sessions.Create(p.Credential.ID)
	if err != nil {
		return nil, err
	}
	a.logger.LogAttrs(ctx, slog.LevelInfo, "session issued",
		slog.String("credential", p.Credential.ID),
		slog.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Logout revokes a session token. Unknown tokens are not-found.
func (a *Authenticator) Logout(token string) error {
	if !a.sessions.Delete(token) {
		return fmt.Errorf("session: %w", relay.ErrNotFound)
	}
	return nil
}

// Bind pins the principal's session to provider/model.
func (a *Authenticator) Bind(token, provider, model string) error {
	return a.sessions.Bind(token, provider, model)
}

// Authorize checks the principal's allow-lists against one model. Anonymous
// loopback principals are unrestricted.
func (a *Authenticator) Authorize(p *relay.Principal, provider, model string) error {
	if p.Anonymous() {
		return nil
	}
	cred := p.Credential
	if !cred.AllowsProvider(provider) {
		return fmt.Errorf("credential %q: provider %q: %w", cred.Name, provider, relay.ErrForbidden)
	}
	if !cred.AllowsModel(provider, model) {
		return fmt.Errorf("credential %q: model %q: %w", cred.Name, provider+"/"+model, relay.ErrForbidden)
	}
	return nil
}

// InvalidateCredential drops a cached credential by ID. Admin handlers call
// this after updating or deleting a credential so the change takes effect
// before the cache TTL lapses.
func (a *Authenticator) InvalidateCredential(id string) {
	if hash, ok := a.idToHash.LoadAndDelete(id); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func (a *Authenticator) bySecret(secret string) (*relay.Principal, error) {
	hash := relay.HashSecret(secret)

	// Check cache first.
	if cred, ok := a.cache.GetIfPresent(hash); ok {
		if !cred.Active {
			a.cache.Invalidate(hash)
			return nil, fmt.Errorf("credential %q inactive: %w", cred.Name, relay.ErrForbidden)
		}
		return &relay.Principal{Credential: cred}, nil
	}

	cred, err := a.catalog.CredentialByHash(hash)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, fmt.Errorf("unknown credential: %w", relay.ErrForbidden)
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The index lookup already matched, but this guards
	// against encoding surprises in the stored value.
	if subtle.ConstantTimeCompare([]byte(cred.SecretHash), []byte(hash)) != 1 {
		return nil, fmt.Errorf("unknown credential: %w", relay.ErrForbidden)
	}
	if !cred.Active {
		return nil, fmt.Errorf("credential %q inactive: %w", cred.Name, relay.ErrForbidden)
	}

	a.cache.Set(hash, cred)
	a.idToHash.Store(cred.ID, hash)
	return &relay.Principal{Credential: cred}, nil
}

// bySession resolves a session token. The backing credential is re-checked on
// every call so revoking a credential kills its sessions immediately.
func (a *Authenticator) bySession(token string) (*relay.Principal, bool) {
	sess, ok := a.sessions.Get(token)
	if !ok {
		return nil, false
	}
	cred, err := a.catalog.CredentialByID(sess.CredentialID)
	if err != nil || !cred.Active {
		a.sessions.Delete(token)
		return nil, false
	}
	return &relay.Principal{
		Credential:    cred,
		SessionToken:  sess.Token,
		BoundProvider: sess.BoundProvider,
		BoundModel:    sess.BoundModel,
	}, true
}

// Loopback reports whether remoteAddr is a loopback address.
func Loopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token := strings.TrimPrefix(h, "Bearer ")
	if token == h {
		return ""
	}
	return token
}
