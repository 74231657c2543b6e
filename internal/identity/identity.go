// Package identity defines who the current user is and the provider contract
// that produces sessions for them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Profile is the display information attached to an identity.
type Profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Identity is either authenticated (non-empty ID) or anonymous.
type Identity struct {
	ID      string  `json:"id"`
	Profile Profile `json:"profile"`
}

// Anonymous returns the identity that owns no data.
func Anonymous() Identity {
	return Identity{}
}

func (i Identity) IsAnonymous() bool {
	return i.ID == ""
}

func (i Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return i.ID
}

// Session is a credential bound to an identity.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Method       Method    `json:"method,omitempty"`
	User         Identity  `json:"user"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// IdentityOf derives the identity from a possibly nil session.
func IdentityOf(s *Session) Identity {
	if s == nil {
		return Anonymous()
	}
	return s.User
}

// Method selects how a user signs in: "password" or "oauth:<provider>".
type Method string

const MethodPassword Method = "password"

const oauthPrefix = "oauth:"

// OAuth returns the method for an external provider such as "google".
func OAuth(provider string) Method {
	return Method(oauthPrefix + provider)
}

// ParseMethod validates a method string.
func ParseMethod(raw string) (Method, error) {
	m := Method(strings.TrimSpace(raw))
	if m == MethodPassword {
		return m, nil
	}
	if m.IsOAuth() && m.Provider() != "" {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, raw)
}

func (m Method) IsOAuth() bool {
	return strings.HasPrefix(string(m), oauthPrefix)
}

// Provider returns the OAuth provider name, or "" for non-OAuth methods.
func (m Method) Provider() string {
	if !m.IsOAuth() {
		return ""
	}
	return strings.TrimPrefix(string(m), oauthPrefix)
}

// Credentials accompany password sign-in and sign-up.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName,omitempty"`
}

// EventKind names a provider-side session change.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// Event is delivered to Subscribe callbacks. Session is nil on sign-out and
// may be nil when the provider only knows that something changed.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Provider produces and clears sessions. Implementations are selected once,
// at construction.
type Provider interface {
	SignIn(ctx context.Context, method Method, creds *Credentials) (*Session, error)
	SignOut(ctx context.Context) error
	// CurrentSession returns nil, nil when nobody is signed in.
	CurrentSession(ctx context.Context) (*Session, error)
	Subscribe(fn func(Event)) (cancel func())
}

// Registrar is implemented by providers that can create accounts.
type Registrar interface {
	SignUp(ctx context.Context, creds Credentials) (*Session, error)
}

// RedirectCompleter is implemented by providers whose OAuth flow finishes on
// a callback carrying tokens.
type RedirectCompleter interface {
	CompleteRedirect(ctx context.Context, accessToken, refreshToken string) (*Session, error)
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedMethod  = errors.New("unsupported sign-in method")
	// ErrTransientRead marks a failed or corrupt read of stored session
	// state. It is never surfaced to callers; the reader treats it as
	// "nobody signed in".
	ErrTransientRead = errors.New("transient identity read failure")
)

// CommunicationError reports a failed exchange with the identity backend.
// The current identity must not change because of it.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("identity backend %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// Retryable is always true; the user may try the action again.
func (e *CommunicationError) Retryable() bool {
	return true
}

// IsCommunication reports whether err is (or wraps) a CommunicationError.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// RedirectError is returned by SignIn when the user must continue in the
// browser at URL.
type RedirectError struct {
	URL string
}

func (e *RedirectError) Error() string {
	return "sign-in continues at " + e.URL
}
