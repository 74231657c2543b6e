// Package remote talks to a hosted authentication backend that speaks the
// GoTrue REST dialect (Supabase Auth).
package remote

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

	"go.uber.org/zap"

	"tetoegen/api/internal/auth"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/kv"
)

// DemoURL is the placeholder backend URL that means "not configured".
const DemoURL = "https://demo.supabase.co"

// DefaultStorageKey is where the session is persisted between restarts.
const DefaultStorageKey = "sb-auth-token"

// Configured reports whether a real backend is available.
func Configured(baseURL, anonKey string) bool {
	baseURL = strings.TrimSpace(baseURL)
	return baseURL != "" && strings.TrimSpace(anonKey) != "" && baseURL != DemoURL
}

// Config configures a Client.
type Config struct {
	URL         string
	AnonKey     string
	RedirectURL string
	StorageKey  string
	HTTPClient  *http.Client
	Now         func() time.Time
	Logger      *zap.Logger
	// Watcher delivers writes to StorageKey made by other processes sharing
	// the store.
	Watcher kv.Watcher
}

// Client is the remote identity provider. The persisted session in the store
// is the only copy, so every process sharing the store sees the same one.
type Client struct {
	baseURL     string
	anonKey     string
	redirectURL string
	storageKey  string
	http        *http.Client
	store       kv.Store
	watcher     kv.Watcher
	now         func() time.Time
	logger      *zap.Logger

	// refreshMu keeps this process from refreshing the same token twice.
	refreshMu sync.Mutex

	lmu       sync.RWMutex
	nextID    int
	listeners map[int]func(identity.Event)
}

var (
	_ identity.Provider          = (*Client)(nil)
	_ identity.RedirectCompleter = (*Client)(nil)
)

// New creates a client that persists its session into store.
func New(store kv.Store, cfg Config) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		anonKey:     cfg.AnonKey,
		redirectURL: cfg.RedirectURL,
		storageKey:  cfg.StorageKey,
		http:        cfg.HTTPClient,
		store:       store,
		watcher:     cfg.Watcher,
		now:         cfg.Now,
		logger:      cfg.Logger,
		listeners:   make(map[int]func(identity.Event)),
	}
	if c.storageKey == "" {
		c.storageKey = DefaultStorageKey
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) SignIn(ctx context.Context, method identity.Method, creds *identity.Credentials) (*identity.Session, error) {
	switch {
	case method == identity.MethodPassword:
		if creds == nil || strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
			return nil, identity.ErrInvalidCredentials
		}
		var resp tokenResponse
		err := c.do(ctx, "sign in", http.MethodPost, "/auth/v1/token?grant_type=password", "", map[string]string{
			"email":    strings.TrimSpace(creds.Email),
			"password": creds.Password,
		}, &resp)
		if err != nil {
			return nil, err
		}
		session := c.sessionFrom(resp, method)
		if err := c.setSession(ctx, session, identity.EventSignedIn); err != nil {
			return nil, err
		}
		return session, nil
	case method.IsOAuth():
		q := url.Values{"provider": {method.Provider()}}
		if c.redirectURL != "" {
			q.Set("redirect_to", c.redirectURL)
		}
		return nil, &identity.RedirectError{URL: c.baseURL + "/auth/v1/authorize?" + q.Encode()}
	default:
		return nil, fmt.Errorf("%w: %s", identity.ErrUnsupportedMethod, method)
	}
}

// CompleteRedirect finishes an OAuth sign-in with the tokens handed to the
// callback URL.
func (c *Client) CompleteRedirect(ctx context.Context, accessToken, refreshToken string) (*identity.Session, error) {
	if accessToken == "" {
		return nil, identity.ErrInvalidCredentials
	}
	var user userResponse
	if err := c.do(ctx, "load user", http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return nil, err
	}
	resp := tokenResponse{AccessToken: accessToken, RefreshToken: refreshToken, User: user}
	if exp, err := auth.InspectExpiry(accessToken); err == nil && !exp.IsZero() {
		resp.ExpiresAt = exp.Unix()
	}
	method := identity.MethodPassword
	if p := user.AppMetadata.Provider; p != "" && p != "email" {
		method = identity.OAuth(p)
	}
	session := c.sessionFrom(resp, method)
	if err := c.setSession(ctx, session, identity.EventSignedIn); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	session := c.load(ctx)
	if session == nil {
		return nil
	}
	err := c.do(ctx, "sign out", http.MethodPost, "/auth/v1/logout", session.AccessToken, nil, nil)
	if err != nil {
		var status *statusError
		if !errors.As(err, &status) || status.code >= 500 {
			return err
		}
		// The backend already forgot the token; finish locally.
		c.logger.Info("remote sign-out rejected token, clearing locally", zap.Int("status", status.code))
	}
	return c.setSession(ctx, nil, identity.EventSignedOut)
}

// CurrentSession reads the persisted session and refreshes it when it has
// expired.
func (c *Client) CurrentSession(ctx context.Context) (*identity.Session, error) {
	session := c.load(ctx)
	if session == nil || !session.Expired(c.now()) {
		return session, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	// Another caller may have refreshed while this one waited.
	session = c.load(ctx)
	if session == nil || !session.Expired(c.now()) {
		return session, nil
	}
	if session.RefreshToken == "" {
		c.clearQuietly(ctx)
		return nil, nil
	}

	var resp tokenResponse
	err := c.do(ctx, "refresh session", http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", map[string]string{
		"refresh_token": session.RefreshToken,
	}, &resp)
	if err != nil {
		if identity.IsCommunication(err) {
			return nil, err
		}
		c.logger.Info("remote refresh rejected, session lost", zap.Error(err))
		c.clearQuietly(ctx)
		return nil, nil
	}
	refreshed := c.sessionFrom(resp, session.Method)
	if err := c.setSession(ctx, refreshed, identity.EventTokenRefreshed); err != nil {
		c.logger.Warn("persist refreshed session", zap.Error(err))
	}
	return refreshed, nil
}

func (c *Client) clearQuietly(ctx context.Context) {
	if err := c.setSession(ctx, nil, identity.EventSignedOut); err != nil {
		c.logger.Warn("clear lost session", zap.Error(err))
	}
}

// Subscribe reports session changes made through this client and writes to
// the storage key made by other processes.
func (c *Client) Subscribe(fn func(identity.Event)) (cancel func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()

	unwatch := kv.WatchKey(c.watcher, nil, c.storageKey, func(change kv.Change) {
		kind := identity.EventSignedIn
		if change.Deleted {
			kind = identity.EventSignedOut
		}
		fn(identity.Event{Kind: kind})
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			c.lmu.Lock()
			delete(c.listeners, id)
			c.lmu.Unlock()
		})
	}
}

func (c *Client) emit(event identity.Event) {
	c.lmu.RLock()
	fns := make([]func(identity.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (c *Client) setSession(ctx context.Context, session *identity.Session, kind identity.EventKind) error {
	if session == nil {
		if err := c.store.Remove(ctx, c.storageKey); err != nil {
			return fmt.Errorf("remove persisted session: %w", err)
		}
	} else {
		raw, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		if err := c.store.Set(ctx, c.storageKey, string(raw)); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	c.emit(identity.Event{Kind: kind, Session: session})
	return nil
}

// load reads the persisted session. Unreadable data counts as no session.
func (c *Client) load(ctx context.Context) *identity.Session {
	raw, ok, err := c.store.Get(ctx, c.storageKey)
	if err != nil {
		c.logger.Warn("persisted session unreadable",
			zap.Error(fmt.Errorf("%w: %v", identity.ErrTransientRead, err)))
		return nil
	}
	if !ok {
		return nil
	}
	var session identity.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.User.ID == "" {
		c.logger.Warn("persisted session corrupt, ignoring")
		return nil
	}
	return &session
}

type userResponse struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		FullName  string `json:"full_name"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user_metadata"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         userResponse `json:"user"`
}

func (c *Client) sessionFrom(resp tokenResponse, method identity.Method) *identity.Session {
	var expiresAt time.Time
	switch {
	case resp.ExpiresAt > 0:
		expiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	default:
		if exp, err := auth.InspectExpiry(resp.AccessToken); err == nil {
			expiresAt = exp
		}
	}

	name := resp.User.UserMetadata.FullName
	if name == "" {
		name = resp.User.UserMetadata.Name
	}
	if name == "" {
		name, _, _ = strings.Cut(resp.User.Email, "@")
	}
	return &identity.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
		Method:       method,
		User: identity.Identity{
			ID: resp.User.ID,
			Profile: identity.Profile{
				Email:       resp.User.Email,
				DisplayName: name,
				AvatarURL:   resp.User.UserMetadata.AvatarURL,
			},
		},
	}
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.message)
}

// do performs one request. Transport failures and 5xx responses become
// CommunicationErrors; 400/401/422 on a credential grant become
// ErrInvalidCredentials; other 4xx are statusErrors.
func (c *Client) do(ctx context.Context, op, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &identity.CommunicationError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &identity.CommunicationError{Op: op, Err: err}
	}

	if resp.StatusCode >= 500 {
		return &identity.CommunicationError{Op: op, Err: &statusError{code: resp.StatusCode, message: errorMessage(raw)}}
	}
	if resp.StatusCode >= 400 {
		if strings.Contains(path, "grant_type=password") {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
				return fmt.Errorf("%s: %w", op, identity.ErrInvalidCredentials)
			}
		}
		return fmt.Errorf("%s: %w", op, &statusError{code: resp.StatusCode, message: errorMessage(raw)})
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &identity.CommunicationError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, s := range []string{payload.ErrorDescription, payload.Msg, payload.Message, payload.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}
