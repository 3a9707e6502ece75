package auth

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/shared"
	_ "github.com/nimbus-cp/nimbus/testing"
)

type stubUsers struct {
	users     map[int64]*identity.User
	byEmail   map[string]*identity.User
	tokens    map[int64]*identity.Token
	accounts  map[string]*identity.ServiceAccount
	federated map[string]*identity.User
	nextID    int64

	createTokenErr    error
	tokenLookupMisses int
	touched           []int64
}

func newStubUsers() *stubUsers {
	return &stubUsers{
		users:     make(map[int64]*identity.User),
		byEmail:   make(map[string]*identity.User),
		tokens:    make(map[int64]*identity.Token),
		accounts:  make(map[string]*identity.ServiceAccount),
		federated: make(map[string]*identity.User),
		nextID:    1,
	}
}

func (s *stubUsers) addUser(u identity.User) *identity.User {
	u.ID = s.nextID
	s.nextID++
	copied := u
	s.users[copied.ID] = &copied
	s.byEmail[copied.Email] = &copied
	return &copied
}

func (s *stubUsers) GetUserByID(ctx context.Context, id int64) (*identity.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	if u, ok := s.byEmail[email]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) CreateUser(ctx context.Context, user identity.User) (*identity.User, error) {
	if _, ok := s.byEmail[user.Email]; ok {
		return nil, shared.ErrDuplicate
	}
	for _, u := range s.users {
		if u.Username == user.Username {
			return nil, shared.ErrDuplicate
		}
	}
	return s.addUser(user), nil
}

func (s *stubUsers) DeactivateUser(ctx context.Context, id int64) error { return nil }

func (s *stubUsers) ListUsers(ctx context.Context) ([]identity.User, error) { return nil, nil }

func (s *stubUsers) GetTokenByUser(ctx context.Context, userID int64) (*identity.Token, error) {
	if s.tokenLookupMisses > 0 {
		s.tokenLookupMisses--
		return nil, shared.ErrNotFound
	}
	if t, ok := s.tokens[userID]; ok {
		return t, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) GetUserByTokenKey(ctx context.Context, key string) (*identity.User, error) {
	for userID, t := range s.tokens {
		if t.Key == key {
			return s.GetUserByID(ctx, userID)
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) CreateToken(ctx context.Context, userID int64, key string) (*identity.Token, error) {
	if s.createTokenErr != nil {
		return nil, s.createTokenErr
	}
	if _, ok := s.tokens[userID]; ok {
		return nil, shared.ErrDuplicate
	}
	t := &identity.Token{UserID: userID, Key: key}
	s.tokens[userID] = t
	return t, nil
}

func (s *stubUsers) DeleteTokenByUser(ctx context.Context, userID int64) error {
	if _, ok := s.tokens[userID]; !ok {
		return shared.ErrNotFound
	}
	delete(s.tokens, userID)
	return nil
}

func (s *stubUsers) GetServiceAccountByAPIKey(ctx context.Context, key string) (*identity.ServiceAccount, error) {
	if a, ok := s.accounts[key]; ok {
		return a, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) GetServiceAccountByID(ctx context.Context, id int64) (*identity.ServiceAccount, error) {
	for _, a := range s.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubUsers) CreateServiceAccount(ctx context.Context, account identity.ServiceAccount) (*identity.ServiceAccount, error) {
	account.ID = s.nextID
	s.nextID++
	s.accounts[account.APIKey] = &account
	return &account, nil
}

func (s *stubUsers) ListServiceAccounts(ctx context.Context) ([]identity.ServiceAccount, error) {
	return nil, nil
}

func (s *stubUsers) SetServiceAccountActive(ctx context.Context, id int64, active bool) error {
	return nil
}

func (s *stubUsers) DeleteServiceAccount(ctx context.Context, id int64) error { return nil }

func (s *stubUsers) TouchServiceAccountUsed(ctx context.Context, id int64, at time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *stubUsers) AttachServiceAccountRole(ctx context.Context, accountID, roleID int64) error {
	return nil
}

func (s *stubUsers) DetachServiceAccountRole(ctx context.Context, accountID, roleID int64) error {
	return nil
}

func (s *stubUsers) LinkFederatedIdentity(ctx context.Context, fi identity.FederatedIdentity) error {
	key := fi.Provider + ":" + fi.ExternalID
	if _, ok := s.federated[key]; ok {
		return shared.ErrDuplicate
	}
	s.federated[key] = s.users[fi.UserID]
	return nil
}

func (s *stubUsers) GetUserByFederatedIdentity(ctx context.Context, provider, externalID string) (*identity.User, error) {
	if u, ok := s.federated[provider+":"+externalID]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newAuthService(users *stubUsers) *Service {
	return NewService(users, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthenticate(t *testing.T) {
	users := newStubUsers()
	users.addUser(identity.User{
		Username: "nadia", Email: "nadia@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: true,
	})
	svc := newAuthService(users)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, "nadia@test.local", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "nadia", user.Username)

	// Email gets trimmed before lookup.
	_, err = svc.Authenticate(ctx, "  nadia@test.local  ", "correct horse")
	assert.NoError(t, err)
}

func TestAuthenticateFailuresCollapse(t *testing.T) {
	users := newStubUsers()
	users.addUser(identity.User{
		Username: "nadia", Email: "nadia@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: true,
	})
	users.addUser(identity.User{
		Username: "dormant", Email: "dormant@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: false,
	})
	users.addUser(identity.User{
		Username: "sso-only", Email: "sso@test.local", IsActive: true,
	})
	svc := newAuthService(users)
	ctx := context.Background()

	for name, attempt := range map[string][2]string{
		"unknown email":    {"nobody@test.local", "correct horse"},
		"wrong password":   {"nadia@test.local", "wrong"},
		"inactive account": {"dormant@test.local", "correct horse"},
		"no password set":  {"sso@test.local", ""},
	} {
		_, err := svc.Authenticate(ctx, attempt[0], attempt[1])
		assert.ErrorIs(t, err, shared.ErrInvalidCredentials, name)
	}
}

func TestEnsureTokenReuse(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	svc := newAuthService(users)
	ctx := context.Background()

	first, err := svc.EnsureToken(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, first, "tk_")

	second, err := svc.EnsureToken(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsureTokenLostRace(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	users.tokens[user.ID] = &identity.Token{UserID: user.ID, Key: "tk_winner"}

	// First lookup misses, the insert collides with a concurrent login, and
	// the re-lookup returns the key the other request stored.
	users.tokenLookupMisses = 1
	users.createTokenErr = shared.ErrDuplicate
	svc := newAuthService(users)

	key, err := svc.EnsureToken(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "tk_winner", key)
}

func TestRevokeToken(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	users.tokens[user.ID] = &identity.Token{UserID: user.ID, Key: "tk_x"}
	svc := newAuthService(users)
	ctx := context.Background()

	require.NoError(t, svc.RevokeToken(ctx, user.ID))
	assert.Empty(t, users.tokens)

	// Revoking again is not an error.
	assert.NoError(t, svc.RevokeToken(ctx, user.ID))
}

func TestSignup(t *testing.T) {
	users := newStubUsers()
	svc := newAuthService(users)

	result, err := svc.Signup(context.Background(), SignupInput{
		Email: "new@test.local", Username: "newbie",
		FirstName: "New", LastName: "User", Password: "long enough pw",
	})
	require.NoError(t, err)
	require.NotNil(t, result.User)
	assert.True(t, result.User.IsActive)
	assert.NotEmpty(t, result.User.PasswordHash)
	assert.NotEqual(t, "long enough pw", result.User.PasswordHash)

	// The keypair halves are valid base64 and only the public half persists.
	pub, err := base64.StdEncoding.DecodeString(result.User.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 32)
	priv, err := base64.StdEncoding.DecodeString(result.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, priv, 64)
	assert.Empty(t, result.Warning)
}

func TestSignupDuplicate(t *testing.T) {
	users := newStubUsers()
	users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	svc := newAuthService(users)

	_, err := svc.Signup(context.Background(), SignupInput{
		Email: "nadia@test.local", Username: "other",
		FirstName: "N", LastName: "A", Password: "long enough pw",
	})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestSignupNormalizesUnicode(t *testing.T) {
	users := newStubUsers()
	svc := newAuthService(users)

	// "é" written as e + combining acute.
	_, err := svc.Signup(context.Background(), SignupInput{
		Email: "réne@test.local", Username: "réne",
		FirstName: "R", LastName: "E", Password: "long enough pw",
	})
	require.NoError(t, err)

	// The composed form collides with the stored NFC form.
	_, err = svc.Signup(context.Background(), SignupInput{
		Email: "réne@test.local", Username: "réne",
		FirstName: "R", LastName: "E", Password: "long enough pw",
	})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestOAuthCompleteExistingLink(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	require.NoError(t, users.LinkFederatedIdentity(context.Background(), identity.FederatedIdentity{
		UserID: user.ID, Provider: "github", ExternalID: "gh-1",
	}))
	svc := newAuthService(users)

	got, err := svc.OAuthComplete(context.Background(), ExternalIdentity{
		Provider: "github", ExternalID: "gh-1", Email: "nadia@test.local",
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestOAuthCompleteLinksByEmail(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	svc := newAuthService(users)

	got, err := svc.OAuthComplete(context.Background(), ExternalIdentity{
		Provider: "github", ExternalID: "gh-1", Email: "nadia@test.local",
	})
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	// The identity is now linked for the next login.
	linked, err := users.GetUserByFederatedIdentity(context.Background(), "github", "gh-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, linked.ID)
}

func TestOAuthCompleteCreatesUser(t *testing.T) {
	users := newStubUsers()
	svc := newAuthService(users)

	got, err := svc.OAuthComplete(context.Background(), ExternalIdentity{
		Provider: "gitlab", ExternalID: "gl-9", Email: "fresh@test.local", Username: "fresh",
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Username)
	assert.True(t, got.IsActive)
	// Provider-created accounts carry no local password.
	assert.Empty(t, got.PasswordHash)
}

func TestOAuthCompleteInactiveUser(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "dormant", Email: "dormant@test.local", IsActive: false})
	require.NoError(t, users.LinkFederatedIdentity(context.Background(), identity.FederatedIdentity{
		UserID: user.ID, Provider: "github", ExternalID: "gh-2",
	}))
	svc := newAuthService(users)

	_, err := svc.OAuthComplete(context.Background(), ExternalIdentity{
		Provider: "github", ExternalID: "gh-2", Email: "dormant@test.local",
	})
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}
