package app

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tetoegen/api/internal/cache"
	"tetoegen/api/internal/classify"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/session"
)

// Service is what the UI talks to. Reads come from the reconciler's
// snapshot; every cache write names the identity the caller observed so that
// writes racing an account switch are refused.
type Service struct {
	provider   identity.Provider
	reconciler *session.Reconciler
	usage      *cache.UsageCounter
	classifier classify.Classifier
	dailyLimit int
	logger     *zap.Logger
}

type ServiceOptions struct {
	DailyLimit int
	Logger     *zap.Logger
}

// SignInInput is the body of a sign-in request.
type SignInInput struct {
	Method   string `json:"method"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUpInput is the body of a sign-up request.
type SignUpInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

// Budget reports the current identity's daily usage.
type Budget struct {
	Date      string `json:"date"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

func NewService(provider identity.Provider, reconciler *session.Reconciler, usage *cache.UsageCounter, classifier classify.Classifier, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		provider:   provider,
		reconciler: reconciler,
		usage:      usage,
		classifier: classifier,
		dailyLimit: opts.DailyLimit,
		logger:     opts.Logger,
	}
}

func (s *Service) Snapshot() session.Snapshot {
	return s.reconciler.Snapshot()
}

// Ready is closed once the first identity has been settled.
func (s *Service) Ready() <-chan struct{} {
	return s.reconciler.Ready()
}

// RefreshIdentity re-reads the provider. A backend outage keeps the current
// identity and is reported as a retryable error next to the snapshot.
func (s *Service) RefreshIdentity(ctx context.Context) (session.Snapshot, error) {
	err := s.reconciler.Refresh(ctx)
	return s.reconciler.Snapshot(), err
}

func (s *Service) NotifyForeground(ctx context.Context) session.Snapshot {
	if err := s.reconciler.NotifyForeground(ctx); err != nil {
		s.logger.Debug("foreground identity check failed", zap.Error(err))
	}
	return s.reconciler.Snapshot()
}

func (s *Service) SignIn(ctx context.Context, input SignInInput) (session.Snapshot, error) {
	method, err := identity.ParseMethod(input.Method)
	if err != nil {
		return session.Snapshot{}, err
	}
	var creds *identity.Credentials
	if method == identity.MethodPassword {
		creds = &identity.Credentials{Email: strings.TrimSpace(input.Email), Password: input.Password}
	}
	if _, err := s.provider.SignIn(ctx, method, creds); err != nil {
		return session.Snapshot{}, err
	}
	return s.RefreshIdentity(ctx)
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (session.Snapshot, error) {
	registrar, ok := s.provider.(identity.Registrar)
	if !ok {
		return session.Snapshot{}, domainError(http.StatusBadRequest, "SIGNUP_UNSUPPORTED", "Sign-up is not available", nil)
	}
	creds := identity.Credentials{
		Email:    strings.TrimSpace(input.Email),
		Password: input.Password,
		FullName: strings.TrimSpace(input.FullName),
	}
	if _, err := registrar.SignUp(ctx, creds); err != nil {
		return session.Snapshot{}, err
	}
	return s.RefreshIdentity(ctx)
}

func (s *Service) SignOut(ctx context.Context) (session.Snapshot, error) {
	if err := s.provider.SignOut(ctx); err != nil {
		return s.reconciler.Snapshot(), err
	}
	return s.RefreshIdentity(ctx)
}

// CompleteRedirect finishes an OAuth sign-in with the tokens handed to the
// callback.
func (s *Service) CompleteRedirect(ctx context.Context, accessToken, refreshToken string) (session.Snapshot, error) {
	completer, ok := s.provider.(identity.RedirectCompleter)
	if !ok {
		return session.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "No redirect sign-in in progress", nil)
	}
	if accessToken == "" {
		return session.Snapshot{}, domainError(http.StatusBadRequest, "MISSING_TOKEN", "access_token is required", nil)
	}
	if _, err := completer.CompleteRedirect(ctx, accessToken, refreshToken); err != nil {
		return session.Snapshot{}, err
	}
	return s.RefreshIdentity(ctx)
}

// ResetCachedState clears the current identity's results and preview.
func (s *Service) ResetCachedState(ctx context.Context, expectedID string) (session.Snapshot, error) {
	id, err := s.currentIdentity(expectedID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := s.reconciler.Reset(ctx, id); err != nil {
		return session.Snapshot{}, err
	}
	return s.reconciler.Snapshot(), nil
}

func (s *Service) Budget(ctx context.Context, expectedID string) (Budget, error) {
	id, err := s.currentIdentity(expectedID)
	if err != nil {
		return Budget{}, err
	}
	used, err := s.usage.Current(ctx, id)
	if err != nil {
		return Budget{}, err
	}
	return Budget{
		Date:      s.usage.Today(),
		Limit:     s.dailyLimit,
		Used:      used,
		Remaining: cache.Remaining(s.dailyLimit, used),
	}, nil
}

// Analyze classifies image for the signed-in identity, stores the result,
// tips and preview under that identity and counts one use.
func (s *Service) Analyze(ctx context.Context, expectedID string, image []byte, contentType string) (session.Snapshot, error) {
	id, err := s.currentIdentity(expectedID)
	if err != nil {
		return session.Snapshot{}, err
	}
	used, err := s.usage.Current(ctx, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	if cache.Remaining(s.dailyLimit, used) == 0 {
		return session.Snapshot{}, errQuotaExceeded(s.dailyLimit, used)
	}

	result, err := s.classifier.Classify(ctx, image, contentType)
	if err != nil {
		return session.Snapshot{}, err
	}
	patch := cache.Patch{Classification: result}
	if typ, err := classify.TypeOf(result); err == nil {
		tips, err := s.classifier.Tips(ctx, typ)
		if err != nil {
			s.logger.Warn("loading tips failed", zap.String("type", typ), zap.Error(err))
		} else {
			patch.Tips = tips
		}
	}
	preview := previewURI(image, contentType)
	patch.ImagePreview = &preview

	if err := s.reconciler.Persist(ctx, id, patch); err != nil {
		return session.Snapshot{}, err
	}
	count, err := s.reconciler.IncrementUsage(ctx, id)
	if err != nil {
		return session.Snapshot{}, err
	}
	s.logger.Info("analysis stored",
		zap.String("identity_id", id),
		zap.Int("usage", count),
	)
	return s.reconciler.Snapshot(), nil
}

// LoadTips fetches tips for the stored classification.
func (s *Service) LoadTips(ctx context.Context, expectedID string) (session.Snapshot, error) {
	id, err := s.currentIdentity(expectedID)
	if err != nil {
		return session.Snapshot{}, err
	}
	snap := s.reconciler.Snapshot()
	if snap.Cache.Classification == nil {
		return session.Snapshot{}, domainError(http.StatusConflict, "NO_RESULT", "Analyze a photo first", nil)
	}
	typ, err := classify.TypeOf(snap.Cache.Classification)
	if err != nil {
		return session.Snapshot{}, err
	}
	tips, err := s.classifier.Tips(ctx, typ)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := s.reconciler.Persist(ctx, id, cache.Patch{Tips: tips}); err != nil {
		return session.Snapshot{}, err
	}
	return s.reconciler.Snapshot(), nil
}

// currentIdentity resolves the identity a request acts for. An empty
// expectedID means "whoever is current".
func (s *Service) currentIdentity(expectedID string) (string, error) {
	snap := s.reconciler.Snapshot()
	if snap.Identity.IsAnonymous() {
		return "", errLoginRequired()
	}
	if expectedID != "" && expectedID != snap.Identity.ID {
		return "", session.ErrStaleIdentity
	}
	return snap.Identity.ID, nil
}

func previewURI(image []byte, contentType string) string {
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)
}
