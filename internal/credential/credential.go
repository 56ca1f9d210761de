// Package credential keeps per-sender OAuth credentials usable, refreshing
// access tokens before expiry and persisting rotated tokens.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/brightsend/campaign-engine/internal/pkg/httpretry"
	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/store"
)

// ErrExhausted means the credential cannot be repaired without the user
// re-authorizing: there is no refresh token, or the provider revoked it.
var ErrExhausted = errors.New("credential exhausted: re-authorization required")

// expiryBuffer is how long before nominal expiry a token is treated as
// stale. Refreshing early avoids racing the provider's clock mid-send.
const expiryBuffer = 5 * time.Minute

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, cred store.Credential) (store.Credential, error)
}

// GoogleRefresher refreshes Gmail OAuth tokens against Google's token
// endpoint.
type GoogleRefresher struct {
	conf *oauth2.Config
}

func NewGoogleRefresher(clientID, clientSecret, redirectURL string) *GoogleRefresher {
	return &GoogleRefresher{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.send",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			Endpoint: google.Endpoint,
		},
	}
}

// AuthCodeURL returns the consent URL that starts the authorization flow.
// offline access is required or Google will not issue a refresh token.
func (g *GoogleRefresher) AuthCodeURL(state string) string {
	return g.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for an initial credential.
func (g *GoogleRefresher) Exchange(ctx context.Context, code string) (store.Credential, error) {
	tok, err := g.conf.Exchange(ctx, code)
	if err != nil {
		return store.Credential{}, fmt.Errorf("exchange code: %w", err)
	}
	return tokenToCredential(tok), nil
}

func (g *GoogleRefresher) Refresh(ctx context.Context, cred store.Credential) (store.Credential, error) {
	seed := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		// Force the token source to hit the refresh endpoint.
		Expiry: time.Now().Add(-time.Hour),
	}
	// Retry transient token-endpoint failures at the HTTP layer; the
	// invalid_grant classification below only sees real answers.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpretry.Client(3, 30*time.Second))
	tok, err := g.conf.TokenSource(ctx, seed).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// invalid_grant means the refresh token was revoked or expired.
			// That is unrecoverable without re-consent; everything else
			// (rate limits, 5xx) is worth retrying.
			if retrieveErr.ErrorCode == "invalid_grant" ||
				retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
				return store.Credential{}, ErrExhausted
			}
		}
		return store.Credential{}, fmt.Errorf("refresh token: %w", err)
	}
	return tokenToCredential(tok), nil
}

func tokenToCredential(tok *oauth2.Token) store.Credential {
	cred := store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		cred.Expiry = &expiry
	}
	return cred
}

// Manager serializes credential refreshes and writes rotated tokens back to
// the store.
type Manager struct {
	store     *store.Store
	refresher Refresher
	mu        sync.Mutex
}

func NewManager(st *store.Store, refresher Refresher) *Manager {
	return &Manager{store: st, refresher: refresher}
}

// Valid reports whether the credential still has at least expiryBuffer of
// life left. A credential with no recorded expiry is never trusted, and one
// without a refresh token is unusable even while the access token lives:
// it cannot be repaired when that token lapses mid-campaign.
func Valid(cred store.Credential) bool {
	if cred.AccessToken == "" || cred.RefreshToken == "" || cred.Expiry == nil {
		return false
	}
	return time.Now().Add(expiryBuffer).Before(*cred.Expiry)
}

// EnsureValid returns a usable access token for the user, refreshing first
// when the stored one is stale. The user's in-memory credential is updated
// alongside the store. Returns ErrExhausted when re-authorization is the
// only way forward.
func (m *Manager) EnsureValid(ctx context.Context, user *store.User) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if Valid(user.Credential) {
		return user.Credential.AccessToken, nil
	}

	if user.Credential.RefreshToken == "" {
		return "", ErrExhausted
	}

	fresh, err := m.refresher.Refresh(ctx, user.Credential)
	if err != nil {
		return "", err
	}

	// The provider may omit the refresh token on rotation; the store keeps
	// the prior one in that case, and so do we.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = user.Credential.RefreshToken
	}

	if err := m.store.UpdateCredential(ctx, user.ID, fresh); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	user.Credential = fresh

	logger.Info("credential refreshed", "user_id", user.ID.String())
	return fresh.AccessToken, nil
}
