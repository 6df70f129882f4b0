package credstore

import (
	"bytes"
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
)

// HTTPClient talks to a hosted GoTrue-compatible identity service. It caches
// the current session in memory and republishes the service's auth-state
// transitions through AuthChanges.
type HTTPClient struct {
	base      *url.URL
	apiKey    string
	jwtSecret []byte
	httpc     *http.Client
	now       func() time.Time

	mu      sync.Mutex
	current *Session

	events broadcaster
}

// HTTPOption configures HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer overrides the underlying HTTP client (useful for tests).
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpc = c
		}
	}
}

// WithJWTSecret enables local verification of returned access tokens.
func WithJWTSecret(secret string) HTTPOption {
	return func(h *HTTPClient) {
		if strings.TrimSpace(secret) != "" {
			h.jwtSecret = []byte(secret)
		}
	}
}

// WithHTTPClock overrides the time source.
func WithHTTPClock(fn func() time.Time) HTTPOption {
	return func(h *HTTPClient) {
		if fn != nil {
			h.now = fn
		}
	}
}

// NewHTTPClient constructs a client for the service rooted at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("credstore: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("credstore: base url must be absolute")
	}
	h := &HTTPClient{
		base:   base,
		apiKey: strings.TrimSpace(apiKey),
		httpc:  &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

func (h *HTTPClient) GetSession(ctx context.Context) (*Session, error) {
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()

	if current == nil {
		return nil, nil
	}
	if h.now().Before(current.ExpiresAt) {
		sess := *current
		return &sess, nil
	}
	if current.RefreshToken == "" {
		return nil, nil
	}
	return h.refresh(ctx, current.RefreshToken)
}

func (h *HTTPClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	status, err := h.post(ctx, "/token?grant_type=password", "", body, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, ErrInvalidCredentials
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("credstore: sign-in failed with status %d", status)
	}
	sess, err := h.install(resp)
	if err != nil {
		return nil, err
	}
	out := *sess
	h.events.publish(AuthChange{Event: EventSignedIn, Session: &out})
	return &out, nil
}

func (h *HTTPClient) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return "", errors.New("credstore: oauth provider is required")
	}
	authorize := *h.base
	authorize.Path = authorize.Path + "/authorize"
	q := authorize.Query()
	q.Set("provider", provider)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	authorize.RawQuery = q.Encode()
	return authorize.String(), nil
}

func (h *HTTPClient) SignOut(ctx context.Context) error {
	h.mu.Lock()
	current := h.current
	h.current = nil
	h.mu.Unlock()

	h.events.publish(AuthChange{Event: EventSignedOut})

	if current == nil {
		return nil
	}
	status, err := h.post(ctx, "/logout", current.AccessToken, nil, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest && status != http.StatusUnauthorized {
		return fmt.Errorf("credstore: sign-out failed with status %d", status)
	}
	return nil
}

// RevokeToken invalidates one specific access token upstream. Unlike SignOut
// it leaves the cached current session alone, so revoking one device never
// disturbs another.
func (h *HTTPClient) RevokeToken(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	status, err := h.post(ctx, "/logout", accessToken, nil, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest && status != http.StatusUnauthorized {
		return fmt.Errorf("credstore: token revocation failed with status %d", status)
	}
	return nil
}

func (h *HTTPClient) UpdateUser(ctx context.Context, upd UserUpdate) error {
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	if current == nil {
		return ErrNoSession
	}
	return h.UpdateUserWithToken(ctx, current.AccessToken, upd)
}

// UpdateUserWithToken mutates the user behind the given access token.
func (h *HTTPClient) UpdateUserWithToken(ctx context.Context, accessToken string, upd UserUpdate) error {
	payload := map[string]any{}
	if upd.Password != nil {
		payload["password"] = *upd.Password
	}
	if len(upd.Data) > 0 {
		payload["data"] = upd.Data
	}
	if len(payload) == 0 {
		return nil
	}

	req, err := h.newRequest(ctx, http.MethodPut, "/user", accessToken, payload)
	if err != nil {
		return err
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("credstore: update user failed with status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPClient) AuthChanges(ctx context.Context) <-chan AuthChange {
	return h.events.subscribe(ctx)
}

func (h *HTTPClient) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var resp tokenResponse
	status, err := h.post(ctx, "/token?grant_type=refresh_token", "", body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		h.mu.Lock()
		h.current = nil
		h.mu.Unlock()
		return nil, nil
	}
	sess, err := h.install(resp)
	if err != nil {
		return nil, err
	}
	out := *sess
	h.events.publish(AuthChange{Event: EventTokenRefreshed, Session: &out})
	return &out, nil
}

// install verifies the token when a secret is configured, derives the identity
// and stores the session as current.
func (h *HTTPClient) install(resp tokenResponse) (*Session, error) {
	if resp.AccessToken == "" {
		return nil, errors.New("credstore: response carried no access token")
	}
	identity := Identity{ID: resp.User.ID, Email: resp.User.Email}
	if name, ok := resp.User.UserMetadata["full_name"].(string); ok {
		identity.Name = name
	}
	if avatar, ok := resp.User.UserMetadata["avatar_url"].(string); ok {
		identity.AvatarURL = avatar
	}

	if len(h.jwtSecret) > 0 {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(resp.AccessToken, claims, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return h.jwtSecret, nil
		})
		if err != nil {
			return nil, fmt.Errorf("credstore: access token rejected: %w", err)
		}
		if sub, ok := claims["sub"].(string); ok && identity.ID == "" {
			identity.ID = sub
		}
		if email, ok := claims["email"].(string); ok && identity.Email == "" {
			identity.Email = email
		}
	}
	if identity.ID == "" {
		return nil, errors.New("credstore: response carried no identity")
	}

	sess := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    h.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Identity:     identity,
	}

	h.mu.Lock()
	h.current = sess
	h.mu.Unlock()
	return sess, nil
}

func (h *HTTPClient) post(ctx context.Context, path, bearer string, body, out any) (int, error) {
	req, err := h.newRequest(ctx, http.MethodPost, path, bearer, body)
	if err != nil {
		return 0, err
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("credstore: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (h *HTTPClient) newRequest(ctx context.Context, method, path, bearer string, body any) (*http.Request, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base.String()+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("apikey", h.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}
