// Package accounts stores community accounts and their social relations.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/commons/internal/apperr"
	"github.com/MarcoPoloResearchLab/commons/internal/auth"
	"github.com/MarcoPoloResearchLab/commons/internal/hooks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable username.
	ErrInvalidIdentity = errors.New("accounts: invalid identity")
	// ErrAccountNotFound indicates no account carries the username.
	ErrAccountNotFound = errors.New("accounts: account not found")
)

// Directory loads and saves accounts by username.
type Directory interface {
	Load(ctx context.Context, username string) (Account, error)
	Save(ctx context.Context, account *Account) error
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Dispatcher *hooks.Dispatcher
	Logger     *zap.Logger
}

// Service is the gorm-backed Directory.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	dispatcher *hooks.Dispatcher
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Load returns the account for username, or a not-found error.
func (s *Service) Load(ctx context.Context, username string) (Account, error) {
	username = normalize(username)
	if username == "" {
		return Account{}, apperr.Validation("accounts.load", "missing_username", "a username is required")
	}
	var account Account
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, apperr.New(apperr.KindNotFound, "accounts.load", "account_missing", fmt.Sprintf("user %s does not exist", username), ErrAccountNotFound)
	}
	if err != nil {
		s.logger.Error("account load failed", zap.String("username", username), zap.Error(err))
		return Account{}, apperr.IO("accounts.load", "query_failed", "could not read account", err)
	}
	return account, nil
}

// Exists reports whether an account carries username.
func (s *Service) Exists(ctx context.Context, username string) (bool, error) {
	_, err := s.Load(ctx, username)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	return false, err
}

// Save persists account and fires after-save handlers.
func (s *Service) Save(ctx context.Context, account *Account) error {
	if account == nil || normalize(account.Username) == "" {
		return apperr.Validation("accounts.save", "missing_username", "a username is required")
	}
	account.UpdatedAt = s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = account.UpdatedAt
	}
	if err := s.db.WithContext(ctx).Save(account).Error; err != nil {
		s.logger.Error("account save failed", zap.String("username", account.Username), zap.Error(err))
		return apperr.IO("accounts.save", "write_failed", "could not save account", err)
	}
	return s.dispatcher.AfterSave(ctx, account)
}

// Ensure returns the account for username, creating an empty one when absent.
func (s *Service) Ensure(ctx context.Context, username, displayName, email string) (Account, error) {
	account, err := s.Load(ctx, username)
	if err == nil {
		return account, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return Account{}, err
	}
	now := s.now().UTC()
	account = Account{
		Username:    normalize(username),
		DisplayName: normalize(displayName),
		Email:       normalize(email),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		// A concurrent Ensure may have won the insert.
		existing, loadErr := s.Load(ctx, username)
		if loadErr == nil {
			return existing, nil
		}
		s.logger.Error("account create failed", zap.String("username", account.Username), zap.Error(err))
		return Account{}, apperr.IO("accounts.ensure", "write_failed", "could not create account", err)
	}
	s.logger.Info("account created", zap.String("username", account.Username))
	return account, nil
}

// Resolve returns the username for session claims, creating the account on
// first sight.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (string, error) {
	username := deriveUsername(claims)
	if username == "" {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(username); ok {
		if resolved, ok := cached.(string); ok {
			return resolved, nil
		}
	}
	account, err := s.Ensure(ctx, username, claims.UserDisplayName, claims.UserEmail)
	if err != nil {
		return "", err
	}
	s.cache.Store(username, account.Username)
	return account.Username, nil
}

// List returns every account ordered by username.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := s.db.WithContext(ctx).Order("username").Find(&out).Error; err != nil {
		return nil, apperr.IO("accounts.list", "query_failed", "could not list accounts", err)
	}
	return out, nil
}

// deriveUsername prefers the provider-less user id, then the subject, then the
// local part of the email.
func deriveUsername(claims auth.SessionClaims) string {
	raw := normalize(claims.UserID)
	if strings.Contains(raw, ":") {
		segments := strings.SplitN(raw, ":", 2)
		raw = normalize(segments[1])
	}
	if raw != "" {
		return raw
	}
	if subject := normalize(claims.Subject); subject != "" {
		return subject
	}
	email := normalize(claims.UserEmail)
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return ""
}
