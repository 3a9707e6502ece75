package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	users  identity.Repository
	logger *slog.Logger
}

// NewService constructs a new Service.
func NewService(users identity.Repository, logger *slog.Logger) *Service {
	return &Service{users: users, logger: logger}
}

// Authenticate validates email/password credentials. Unknown email, wrong
// password, and deactivated accounts all collapse to ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*identity.User, error) {
	user, err := s.users.GetUserByEmail(ctx, normalize(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive || user.PasswordHash == "" {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// EnsureToken returns the user's bearer token, minting one on first login.
// The same key is handed back on every subsequent login.
func (s *Service) EnsureToken(ctx context.Context, userID int64) (string, error) {
	token, err := s.users.GetTokenByUser(ctx, userID)
	if err == nil {
		return token.Key, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return "", fmt.Errorf("auth: lookup token: %w", err)
	}
	key, err := identity.NewTokenKey()
	if err != nil {
		return "", fmt.Errorf("auth: mint token: %w", err)
	}
	created, err := s.users.CreateToken(ctx, userID, key)
	if err != nil {
		// Lost a race with a concurrent first login; the stored key wins.
		if errors.Is(err, shared.ErrDuplicate) {
			if token, lookupErr := s.users.GetTokenByUser(ctx, userID); lookupErr == nil {
				return token.Key, nil
			}
		}
		return "", fmt.Errorf("auth: create token: %w", err)
	}
	return created.Key, nil
}

// RevokeToken deletes the user's bearer token. A missing token is fine.
func (s *Service) RevokeToken(ctx context.Context, userID int64) error {
	if err := s.users.DeleteTokenByUser(ctx, userID); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}

// SignupInput carries validated signup fields.
type SignupInput struct {
	Email     string
	Username  string
	FirstName string
	LastName  string
	Password  string
}

// SignupResult is the created user plus the one-time private key. Warning is
// set when keypair generation failed; the user still exists.
type SignupResult struct {
	User       *identity.User
	PrivateKey string
	Warning    string
}

// Signup creates a user. Email and username are NFC-normalized so visually
// identical inputs collide instead of creating twins.
func (s *Service) Signup(ctx context.Context, in SignupInput) (SignupResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return SignupResult{}, fmt.Errorf("auth: hash password: %w", err)
	}

	user := identity.User{
		Username:     normalize(in.Username),
		Email:        normalize(in.Email),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: string(hash),
		IsActive:     true,
	}

	var result SignupResult
	pub, priv, keyErr := ed25519.GenerateKey(rand.Reader)
	if keyErr != nil {
		s.logger.Warn("signup keypair generation failed", slog.Any("error", keyErr))
		result.Warning = "keypair generation failed; account created without a public key"
	} else {
		user.PublicKey = base64.StdEncoding.EncodeToString(pub)
		result.PrivateKey = base64.StdEncoding.EncodeToString(priv)
	}

	created, err := s.users.CreateUser(ctx, user)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			return SignupResult{}, shared.ErrDuplicate
		}
		return SignupResult{}, fmt.Errorf("auth: create user: %w", err)
	}
	result.User = created
	return result, nil
}

// OAuthComplete signs in a user for a verified external identity, creating
// and linking accounts as needed. New accounts get no password; they can only
// come in through the provider.
func (s *Service) OAuthComplete(ctx context.Context, ext ExternalIdentity) (*identity.User, error) {
	if user, err := s.users.GetUserByFederatedIdentity(ctx, ext.Provider, ext.ExternalID); err == nil {
		if !user.IsActive {
			return nil, shared.ErrInvalidCredentials
		}
		return user, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("auth: federated lookup: %w", err)
	}

	email := normalize(ext.Email)
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, shared.ErrNotFound) {
		user, err = s.users.CreateUser(ctx, identity.User{
			Username: oauthUsername(ext, email),
			Email:    email,
			IsActive: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("auth: oauth user: %w", err)
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}

	link := identity.FederatedIdentity{
		UserID:     user.ID,
		Provider:   ext.Provider,
		ExternalID: ext.ExternalID,
		Email:      email,
	}
	if err := s.users.LinkFederatedIdentity(ctx, link); err != nil && !errors.Is(err, shared.ErrDuplicate) {
		return nil, fmt.Errorf("auth: link identity: %w", err)
	}
	return user, nil
}

func oauthUsername(ext ExternalIdentity, email string) string {
	if ext.Username != "" {
		return normalize(ext.Username)
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at] + "_" + ext.Provider
	}
	return ext.Provider + "_" + ext.ExternalID
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
