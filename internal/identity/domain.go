// Package identity holds the principal model: users, service accounts and
// the tokens binding requests to them.
package identity

import "time"

// User represents an interactive account.
type User struct {
	ID           int64
	Username     string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	PublicKey    string
	IsActive     bool
	IsStaff      bool
	IsSuperuser  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ServiceAccount represents a long-lived machine identity authenticated by
// an opaque API key.
type ServiceAccount struct {
	ID              int64
	Name            string
	APIKey          string
	IsActive        bool
	LastUsedAt      *time.Time
	CreatedByUserID *int64
	CreatedAt       time.Time
}

// Token is the single opaque bearer token held by a user. It is created on
// first login and reused until logout revokes it.
type Token struct {
	UserID    int64
	Key       string
	CreatedAt time.Time
}

// FederatedIdentity links a user to a verified external OAuth identity.
type FederatedIdentity struct {
	ID         int64
	UserID     int64
	Provider   string
	ExternalID string
	Email      string
	CreatedAt  time.Time
}

// PrincipalKind discriminates the Principal sum.
type PrincipalKind int

const (
	// KindAnonymous is the zero value: no credentials resolved.
	KindAnonymous PrincipalKind = iota
	// KindUser marks an authenticated interactive user.
	KindUser
	// KindService marks an authenticated service account.
	KindService
)

// Principal is the identity attached to a request. The zero value is
// anonymous.
type Principal struct {
	Kind    PrincipalKind
	User    *User
	Account *ServiceAccount
}

// Anonymous returns the unauthenticated principal.
func Anonymous() Principal {
	return Principal{}
}

// UserPrincipal wraps an authenticated user.
func UserPrincipal(u *User) Principal {
	return Principal{Kind: KindUser, User: u}
}

// ServicePrincipal wraps an authenticated service account.
func ServicePrincipal(sa *ServiceAccount) Principal {
	return Principal{Kind: KindService, Account: sa}
}

// IsAnonymous reports whether no identity was resolved.
func (p Principal) IsAnonymous() bool {
	return p.Kind == KindAnonymous
}

// IsUser reports whether the principal is an interactive user.
func (p Principal) IsUser() bool {
	return p.Kind == KindUser && p.User != nil
}

// IsService reports whether the principal is a service account.
func (p Principal) IsService() bool {
	return p.Kind == KindService && p.Account != nil
}

// IsSuperuser reports whether permission checks short-circuit to allow.
func (p Principal) IsSuperuser() bool {
	return p.IsUser() && p.User.IsSuperuser
}

// UserID returns the user id when the principal is a user.
func (p Principal) UserID() (int64, bool) {
	if p.IsUser() {
		return p.User.ID, true
	}
	return 0, false
}

// Username returns the denormalized username snapshot for audit entries.
// Service accounts and anonymous principals yield the empty string.
func (p Principal) Username() string {
	if p.IsUser() {
		return p.User.Username
	}
	return ""
}
