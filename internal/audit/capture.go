package audit

import (
	"context"
	"sync"
	"time"
)

// Capture accumulates per-request audit state while the middleware chain and
// handler run. Guards and auth handlers mutate it through the setters; the
// middleware reads it once when building the Record.
type Capture struct {
	mu sync.Mutex

	start       time.Time
	method      string
	path        string
	query       string
	ipAddress   string
	userAgent   string
	referer     string
	sessionKey  string
	contentType string
	bodyPreview string

	userID   *int64
	username string

	override      Action
	requiredPerms []string
	errText       string
}

type captureContextKey struct{}

// ContextWithCapture stores the capture in context.
func ContextWithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureContextKey{}, c)
}

// CaptureFromContext extracts the capture; nil when the audit middleware is
// not installed.
func CaptureFromContext(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureContextKey{}).(*Capture)
	return c
}

// SetPrincipal records the acting user for the entry. Service accounts and
// anonymous callers leave both zero.
func (c *Capture) SetPrincipal(userID *int64, username string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
}

// SetAction overrides the derived classification, used by auth handlers for
// LOGIN and LOGOUT.
func (c *Capture) SetAction(a Action) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = a
}

// MarkDenied records a guard denial: the required codes, an optional
// evaluation error, and the ACCESS_DENIED override.
func (c *Capture) MarkDenied(codes []string, err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = ActionAccessDenied
	c.requiredPerms = append([]string(nil), codes...)
	if err != nil {
		c.errText = err.Error()
	}
}

func (c *Capture) snapshot() (Capture, Action, []string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Capture{
		start:       c.start,
		method:      c.method,
		path:        c.path,
		query:       c.query,
		ipAddress:   c.ipAddress,
		userAgent:   c.userAgent,
		referer:     c.referer,
		sessionKey:  c.sessionKey,
		contentType: c.contentType,
		bodyPreview: c.bodyPreview,
		userID:      c.userID,
		username:    c.username,
	}, c.override, c.requiredPerms, c.errText
}
