package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"tetoegen/api/internal/identity"
)

// AccountsKey holds the locally registered accounts as one JSON object.
const AccountsKey = "mock_auth_accounts"

const minPasswordLength = 6

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	ErrAccountExists      = errors.New("email already registered")
)

type account struct {
	PasswordHash string `json:"passwordHash"`
	FullName     string `json:"fullName,omitempty"`
}

func validateCredentials(creds *identity.Credentials) error {
	if creds == nil || strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return ErrMissingCredentials
	}
	if len(creds.Password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// loadAccounts never fails on bad data: an unreadable ledger is an empty one.
func (s *Simulator) loadAccounts(ctx context.Context) map[string]account {
	accounts := make(map[string]account)
	raw, ok, err := s.store.Get(ctx, AccountsKey)
	if err != nil {
		s.logger.Warn("local accounts unreadable", zap.Error(err))
		return accounts
	}
	if !ok {
		return accounts
	}
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		s.logger.Warn("local accounts corrupt, ignoring", zap.Error(err))
		return make(map[string]account)
	}
	return accounts
}

func (s *Simulator) register(ctx context.Context, creds identity.Credentials) error {
	accounts := s.loadAccounts(ctx)
	email := normalizeEmail(creds.Email)
	if _, exists := accounts[email]; exists {
		return ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	accounts[email] = account{PasswordHash: string(hash), FullName: strings.TrimSpace(creds.FullName)}

	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	if err := s.store.Set(ctx, AccountsKey, string(raw)); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

// verify checks creds against a registered account. Unregistered emails are
// accepted; the simulator only guards accounts that were explicitly created.
func (s *Simulator) verify(ctx context.Context, creds *identity.Credentials) (account, error) {
	acct, ok := s.loadAccounts(ctx)[normalizeEmail(creds.Email)]
	if !ok {
		return account{}, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(creds.Password)); err != nil {
		return account{}, identity.ErrInvalidCredentials
	}
	return acct, nil
}
