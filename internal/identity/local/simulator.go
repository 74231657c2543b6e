// Package local provides the identity provider used when no remote
// authentication backend is configured. Sessions are fabricated locally and
// kept in the key-value store under a single well-known key.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tetoegen/api/internal/auth"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/kv"
)

// StorageKey is where the current local session lives.
const StorageKey = "mock_auth_user"

// DefaultSessionTTL is the fixed expiry window of fabricated sessions.
const DefaultSessionTTL = time.Hour

var idNamespace = uuid.MustParse("6f1c2a52-7d0e-4d57-9a43-0c3c5f1e8b21")

var oauthProfiles = map[string]identity.Profile{
	"google": {Email: "user@gmail.com", DisplayName: "Google User"},
	"kakao":  {Email: "user@kakao.com", DisplayName: "Kakao User"},
}

// Options configures a Simulator. Zero values pick defaults.
type Options struct {
	Secret     []byte
	SessionTTL time.Duration
	// Latency delays every provider call to emulate a network round-trip.
	Latency time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
	// Watcher delivers writes made by other processes sharing the store.
	Watcher kv.Watcher
	// Bus receives this process's own writes to StorageKey.
	Bus        *kv.Bus
	BcryptCost int
}

// Simulator is the local identity provider.
type Simulator struct {
	store      kv.Store
	watcher    kv.Watcher
	bus        *kv.Bus
	secret     []byte
	ttl        time.Duration
	latency    time.Duration
	now        func() time.Time
	logger     *zap.Logger
	bcryptCost int
}

var (
	_ identity.Provider  = (*Simulator)(nil)
	_ identity.Registrar = (*Simulator)(nil)
)

// New creates a simulator over store.
func New(store kv.Store, opts Options) *Simulator {
	s := &Simulator{
		store:      store,
		watcher:    opts.Watcher,
		bus:        opts.Bus,
		secret:     opts.Secret,
		ttl:        opts.SessionTTL,
		latency:    opts.Latency,
		now:        opts.Now,
		logger:     opts.Logger,
		bcryptCost: opts.BcryptCost,
	}
	if len(s.secret) == 0 {
		s.secret = []byte("local-identity-simulator")
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.bus == nil {
		s.bus = kv.NewBus()
	}
	if s.bcryptCost == 0 {
		s.bcryptCost = bcrypt.DefaultCost
	}
	return s
}

// IdentityID returns the deterministic id the simulator assigns to email
// signing in with method.
func IdentityID(method identity.Method, email string) string {
	seed := string(method) + "|" + normalizeEmail(email)
	return "mock-user-" + uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

func (s *Simulator) SignIn(ctx context.Context, method identity.Method, creds *identity.Credentials) (*identity.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	var profile identity.Profile
	switch {
	case method == identity.MethodPassword:
		if err := validateCredentials(creds); err != nil {
			return nil, err
		}
		acct, err := s.verify(ctx, creds)
		if err != nil {
			return nil, err
		}
		profile = newProfile(creds.Email, acct.FullName)
	case method.IsOAuth():
		p, ok := oauthProfiles[method.Provider()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", identity.ErrUnsupportedMethod, method)
		}
		profile = newProfile(p.Email, p.DisplayName)
	default:
		return nil, fmt.Errorf("%w: %s", identity.ErrUnsupportedMethod, method)
	}

	session, err := s.issue(method, profile)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("local sign-in",
		zap.String("identity_id", session.User.ID),
		zap.String("method", string(method)),
	)
	return session, nil
}

// SignUp registers a local account and signs it in.
func (s *Simulator) SignUp(ctx context.Context, creds identity.Credentials) (*identity.Session, error) {
	if err := validateCredentials(&creds); err != nil {
		return nil, err
	}
	if err := s.register(ctx, creds); err != nil {
		return nil, err
	}
	return s.SignIn(ctx, identity.MethodPassword, &creds)
}

func (s *Simulator) SignOut(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("remove local session: %w", err)
	}
	s.bus.Publish(kv.Change{Key: StorageKey, Deleted: true})
	s.logger.Info("local sign-out")
	return nil
}

// CurrentSession never returns an error: anything that cannot be read back as
// a live, correctly signed session means nobody is signed in.
func (s *Simulator) CurrentSession(ctx context.Context) (*identity.Session, error) {
	raw, ok, err := s.store.Get(ctx, StorageKey)
	if err != nil {
		s.logger.Warn("local session unreadable",
			zap.Error(fmt.Errorf("%w: %v", identity.ErrTransientRead, err)))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	var session identity.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.logger.Warn("local session corrupt",
			zap.Error(fmt.Errorf("%w: %v", identity.ErrTransientRead, err)))
		return nil, nil
	}
	if session.User.ID == "" || session.Expired(s.now()) {
		return nil, nil
	}
	claims, err := auth.ParseTokenAt(s.secret, session.AccessToken, s.now())
	if err != nil || claims.Subject != session.User.ID {
		s.logger.Warn("local session token rejected", zap.String("identity_id", session.User.ID))
		return nil, nil
	}
	return &session, nil
}

// Subscribe reports writes to StorageKey from this process and from other
// processes sharing the store.
func (s *Simulator) Subscribe(fn func(identity.Event)) (cancel func()) {
	return kv.WatchKey(s.watcher, s.bus, StorageKey, func(c kv.Change) {
		kind := identity.EventSignedIn
		if c.Deleted {
			kind = identity.EventSignedOut
		}
		fn(identity.Event{Kind: kind})
	})
}

func (s *Simulator) issue(method identity.Method, profile identity.Profile) (*identity.Session, error) {
	now := s.now()
	user := identity.Identity{ID: IdentityID(method, profile.Email), Profile: profile}
	expiresAt := now.Add(s.ttl).Truncate(time.Second)

	token, err := auth.IssueToken(s.secret, auth.Claims{
		Email:  profile.Email,
		Name:   profile.DisplayName,
		Method: string(method),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return nil, err
	}
	return &identity.Session{
		AccessToken:  token,
		RefreshToken: auth.NewOpaqueToken(),
		ExpiresAt:    expiresAt,
		Method:       method,
		User:         user,
	}, nil
}

// save writes the session and re-broadcasts the write in-process, since the
// store's own watchers never see writes made through the same handle.
func (s *Simulator) save(ctx context.Context, session *identity.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.store.Set(ctx, StorageKey, string(raw)); err != nil {
		return fmt.Errorf("save local session: %w", err)
	}
	s.bus.Publish(kv.Change{Key: StorageKey, Value: string(raw)})
	return nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newProfile(email, fullName string) identity.Profile {
	email = strings.TrimSpace(email)
	p := identity.Profile{Email: email, DisplayName: strings.TrimSpace(fullName)}
	if p.DisplayName == "" {
		p.DisplayName, _, _ = strings.Cut(email, "@")
		return p
	}
	p.AvatarURL = "https://ui-avatars.com/api/?name=" + url.QueryEscape(p.DisplayName) + "&background=6366f1&color=fff"
	return p
}
