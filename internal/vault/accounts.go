package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/repository"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/validator"
)

// ErrAccountNotFound is returned by UpdateTokens when the vault record is missing.
var ErrAccountNotFound = errors.New("vault: account not found")

// Tokens is the decrypted view of a vault record. It only ever lives in memory.
type Tokens struct {
	AccessToken           string
	RefreshToken          string
	IDToken               string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 string
}

// StoreTokensInput describes a new token binding.
type StoreTokensInput struct {
	UserID                string `json:"user_id" validate:"required"`
	KeycloakUserID        string `json:"keycloak_user_id"`
	AccessToken           string `json:"access_token" validate:"required"`
	RefreshToken          string `json:"refresh_token" validate:"required"`
	IDToken               string `json:"id_token"`
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 string `json:"scope"`
}

// TokenUpdate carries refreshed tokens. An empty RefreshToken or IDToken keeps the stored value,
// matching IdPs that do not rotate refresh tokens on every grant.
type TokenUpdate struct {
	AccessToken           string `json:"access_token" validate:"required"`
	RefreshToken          string `json:"refresh_token"`
	IDToken               string `json:"id_token"`
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	Scope                 string `json:"scope"`
}

// AccountService is the single writer of encrypted token records.
type AccountService struct {
	repo   repository.AccountRepository
	cipher *TokenCipher
	now    func() time.Time
	log    *zap.Logger
}

// AccountOption customises the account service.
type AccountOption func(*AccountService)

// WithAccountClock overrides the service clock.
func WithAccountClock(clock func() time.Time) AccountOption {
	return func(s *AccountService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewAccountService constructs the vault account service.
func NewAccountService(repo repository.AccountRepository, cipher *TokenCipher, opts ...AccountOption) (*AccountService, error) {
	if repo == nil {
		return nil, errors.New("vault: account repository is required")
	}
	if cipher == nil {
		return nil, errors.New("vault: token cipher is required")
	}
	svc := &AccountService{
		repo:   repo,
		cipher: cipher,
		now:    time.Now,
		log:    logger.WithModule("vault"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// StoreTokens encrypts the supplied tokens and returns the new account id.
func (s *AccountService) StoreTokens(ctx context.Context, input StoreTokensInput) (string, error) {
	if err := validator.ValidateStruct(input); err != nil {
		return "", fmt.Errorf("vault: invalid tokens: %w", err)
	}
	if input.AccessTokenExpiresAt.IsZero() {
		return "", errors.New("vault: access token expiry is required")
	}

	access, err := s.cipher.Encrypt(input.AccessToken)
	if err != nil {
		return "", err
	}
	refresh, err := s.cipher.Encrypt(input.RefreshToken)
	if err != nil {
		return "", err
	}
	idToken, err := s.encryptOptional(input.IDToken)
	if err != nil {
		return "", err
	}

	account := &models.Account{
		UserID:                input.UserID,
		KeycloakUserID:        input.KeycloakUserID,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		EncryptedIDToken:      idToken,
		AccessTokenExpiresAt:  input.AccessTokenExpiresAt.UTC(),
		RefreshTokenExpiresAt: utcPtr(input.RefreshTokenExpiresAt),
		Scope:                 stringPtr(input.Scope),
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return "", fmt.Errorf("vault: store tokens: %w", err)
	}

	s.log.Debug("stored tokens", zap.String("account", logger.HashID(account.ID)))
	return account.ID, nil
}

// GetTokens decrypts the record. A missing record yields (nil, nil); any crypto failure is fatal.
func (s *AccountService) GetTokens(ctx context.Context, accountID string) (*Tokens, error) {
	account, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("vault: load tokens: %w", err)
	}
	if account == nil {
		return nil, nil
	}

	access, err := s.cipher.Decrypt(account.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("vault: access token: %w", err)
	}
	refresh, err := s.cipher.Decrypt(account.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("vault: refresh token: %w", err)
	}

	tokens := &Tokens{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  account.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: account.RefreshTokenExpiresAt,
	}
	if account.EncryptedIDToken != nil && *account.EncryptedIDToken != "" {
		idToken, err := s.cipher.Decrypt(*account.EncryptedIDToken)
		if err != nil {
			return nil, fmt.Errorf("vault: id token: %w", err)
		}
		tokens.IDToken = idToken
	}
	if account.Scope != nil {
		tokens.Scope = *account.Scope
	}
	return tokens, nil
}

// UpdateTokens re-encrypts refreshed tokens in place.
func (s *AccountService) UpdateTokens(ctx context.Context, accountID string, update TokenUpdate) error {
	if err := validator.ValidateStruct(update); err != nil {
		return fmt.Errorf("vault: invalid token update: %w", err)
	}
	if update.AccessTokenExpiresAt.IsZero() {
		return errors.New("vault: access token expiry is required")
	}

	access, err := s.cipher.Encrypt(update.AccessToken)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"encrypted_access_token":  access,
		"access_token_expires_at": update.AccessTokenExpiresAt.UTC(),
		"updated_at":              s.now().UTC(),
	}
	if update.RefreshToken != "" {
		refresh, err := s.cipher.Encrypt(update.RefreshToken)
		if err != nil {
			return err
		}
		updates["encrypted_refresh_token"] = refresh
	}
	if update.IDToken != "" {
		idToken, err := s.cipher.Encrypt(update.IDToken)
		if err != nil {
			return err
		}
		updates["encrypted_id_token"] = idToken
	}
	if update.RefreshTokenExpiresAt != nil {
		updates["refresh_token_expires_at"] = update.RefreshTokenExpiresAt.UTC()
	}
	if update.Scope != "" {
		updates["scope"] = update.Scope
	}

	if err := s.repo.UpdateByID(ctx, accountID, updates); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("vault: update tokens: %w", err)
	}
	return nil
}

// ClearTokens deletes the record. Clearing an absent record succeeds.
func (s *AccountService) ClearTokens(ctx context.Context, accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return nil
	}
	if err := s.repo.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("vault: clear tokens: %w", err)
	}
	s.log.Debug("cleared tokens", zap.String("account", logger.HashID(accountID)))
	return nil
}

func (s *AccountService) encryptOptional(value string) (*string, error) {
	if value == "" {
		return nil, nil
	}
	sealed, err := s.cipher.Encrypt(value)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
