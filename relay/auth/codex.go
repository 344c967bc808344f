// Package auth keeps a bearer token for the Codex endpoint fresh using an
// OAuth refresh token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ZanzyTHEbar/chatrelay/relay"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
)

// ErrNoRefreshToken is returned when no refresh token was configured.
var ErrNoRefreshToken = errors.New("auth: refresh token is required")

// ExpirySkew is subtracted from the advertised token lifetime.
const ExpirySkew = 30 * time.Second

// Options configures CodexCredentials.
type Options struct {
	RefreshToken string
	Endpoint     string
	ClientID     string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Now          func() time.Time
}

// CodexCredentials implements ports.CredentialProvider. Concurrent refreshes
// share one token request.
type CodexCredentials struct {
	opts  Options
	group singleflight.Group

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	accountID    string
	expiresAt    time.Time
}

var _ ports.CredentialProvider = (*CodexCredentials)(nil)

// NewCodexCredentials validates opts and returns a provider with no access
// token yet; the first Credentials call refreshes.
func NewCodexCredentials(opts Options) (*CodexCredentials, error) {
	opts.RefreshToken = strings.TrimSpace(opts.RefreshToken)
	if opts.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if opts.Endpoint == "" {
		opts.Endpoint = relay.DefaultRefreshURL
	}
	if opts.ClientID == "" {
		opts.ClientID = relay.DefaultOAuthClientID
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CodexCredentials{opts: opts, refreshToken: opts.RefreshToken}, nil
}

// Credentials returns the cached token, refreshing it when absent or expired.
func (c *CodexCredentials) Credentials(ctx context.Context) (ports.Credentials, error) {
	c.mu.Lock()
	valid := c.accessToken != "" && (c.expiresAt.IsZero() || c.opts.Now().Before(c.expiresAt))
	creds := ports.Credentials{AccessToken: c.accessToken, AccountID: c.accountID}
	c.mu.Unlock()

	if valid {
		return creds, nil
	}
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token.
func (c *CodexCredentials) Refresh(ctx context.Context) (ports.Credentials, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return ports.Credentials{}, err
	}
	if shared {
		c.opts.Logger.Debug().Msg("joined in-flight token refresh")
	}
	return v.(ports.Credentials), nil
}

// RefreshToken returns the current (possibly rotated) refresh token.
func (c *CodexCredentials) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	IDToken      string  `json:"id_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

func (c *CodexCredentials) refresh(ctx context.Context) (ports.Credentials, error) {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.opts.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("token refresh: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("token refresh: read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return ports.Credentials{}, fmt.Errorf("token refresh failed: %s", relay.ErrorDetail(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return ports.Credentials{}, fmt.Errorf("token refresh: decode response: %w", err)
	}
	access := strings.TrimSpace(tr.AccessToken)
	if access == "" {
		return ports.Credentials{}, errors.New("token refresh failed: access_token missing in refresh response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.accessToken = access
	if rotated := strings.TrimSpace(tr.RefreshToken); rotated != "" && rotated != c.refreshToken {
		c.refreshToken = rotated
		c.opts.Logger.Info().Msg("refresh token rotated")
	}
	if id := accountID(tr.IDToken, access); id != "" {
		c.accountID = id
	}
	c.expiresAt = time.Time{}
	if tr.ExpiresIn > 0 {
		c.expiresAt = c.opts.Now().Add(time.Duration(tr.ExpiresIn*float64(time.Second)) - ExpirySkew)
	}

	c.opts.Logger.Debug().
		Bool("account_id", c.accountID != "").
		Time("expires_at", c.expiresAt).
		Msg("access token refreshed")

	return ports.Credentials{AccessToken: c.accessToken, AccountID: c.accountID}, nil
}

// accountID reads the ChatGPT account from the id token, then the access
// token. Signatures are not verified; the tokens come straight from the
// issuer over TLS.
func accountID(tokens ...string) string {
	parser := jwt.NewParser()
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
			continue
		}
		if id := accountIDFromClaims(claims); id != "" {
			return id
		}
	}
	return ""
}

func accountIDFromClaims(claims jwt.MapClaims) string {
	if id, _ := claims["chatgpt_account_id"].(string); id != "" {
		return id
	}
	if embedded, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if id, _ := embedded["chatgpt_account_id"].(string); id != "" {
			return id
		}
	}
	if orgs, ok := claims["organizations"].([]any); ok && len(orgs) > 0 {
		if org, ok := orgs[0].(map[string]any); ok {
			if id, _ := org["id"].(string); id != "" {
				return id
			}
		}
	}
	return ""
}
