// Package audit captures per-request metadata, classifies actions and
// persists an append-only trail of every processed request.
package audit

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Action classifies what a request did.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionRead         Action = "READ"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionLogin        Action = "LOGIN"
	ActionLogout       Action = "LOGOUT"
	ActionAccessDenied Action = "ACCESS_DENIED"
	ActionOther        Action = "OTHER"
)

const (
	// MaxPathLen caps the stored request path.
	MaxPathLen = 2000
	// MaxBodyPreview caps the stored body preview.
	MaxBodyPreview = 1000
	// MaxCapturedBody is the size above which bodies are not captured at all.
	MaxCapturedBody = 10 << 10
)

// Classify derives the action from method and response status.
func Classify(method string, status int) Action {
	switch method {
	case "GET":
		return ActionRead
	case "POST":
		if status == 200 || status == 201 {
			return ActionCreate
		}
		return ActionOther
	case "PUT", "PATCH":
		return ActionUpdate
	case "DELETE":
		return ActionDelete
	default:
		return ActionOther
	}
}

// ResourceHints extracts resource type and id from paths shaped like
// /api/<version>/<type>/<id>/... where <id> is all digits. A bare
// collection path /api/<version>/<type> yields the type with an empty id.
// Both are empty when the shape does not match.
func ResourceHints(path string) (resourceType, resourceID string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 3 || segments[0] != "api" || segments[2] == "" {
		return "", ""
	}
	if len(segments) == 3 {
		return segments[2], ""
	}
	id := segments[3]
	if id == "" || !allDigits(id) {
		return "", ""
	}
	return segments[2], id
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var sensitiveBody = regexp.MustCompile(`(?i)password|token|key|secret|auth`)

// SanitizeBody returns a preview of the request body safe for storage: the
// empty string when any redaction keyword appears, otherwise valid UTF-8
// truncated to MaxBodyPreview.
func SanitizeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if sensitiveBody.Match(body) {
		return ""
	}
	preview := strings.ToValidUTF8(string(body), string(utf8.RuneError))
	if len(preview) > MaxBodyPreview {
		cut := MaxBodyPreview
		// Back off to a rune boundary so the cut cannot re-introduce
		// invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	return preview
}

// TruncatePath enforces the stored path limit.
func TruncatePath(path string) string {
	if len(path) > MaxPathLen {
		return path[:MaxPathLen]
	}
	return path
}

// ExtraData is the structured payload stored with each entry.
type ExtraData struct {
	ResponseTimeSeconds float64  `json:"response_time_seconds"`
	ContentType         string   `json:"content_type"`
	BodyPreview         string   `json:"body_preview"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Entry is an immutable audit record as persisted.
type Entry struct {
	ID           int64
	CreatedAt    time.Time
	UserID       *int64
	Username     string
	SessionKey   string
	Method       string
	Path         string
	QueryParams  string
	StatusCode   int
	IPAddress    string
	UserAgent    string
	Referer      string
	Action       Action
	ResourceType string
	ResourceID   string
	Extra        ExtraData
}

// Record is the plain-data pipeline payload. It carries ids only so it stays
// trivially serializable across the queue.
type Record struct {
	CreatedAt    time.Time `json:"created_at"`
	UserID       *int64    `json:"user_id"`
	Username     string    `json:"username"`
	SessionKey   string    `json:"session_key"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	QueryParams  string    `json:"query_params"`
	StatusCode   int       `json:"status_code"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Extra        ExtraData `json:"extra_data"`
}

// SuspiciousActivity is a derived anomaly record over recent audit entries.
type SuspiciousActivity struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Username    string    `json:"username,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// Anomaly type identifiers.
const (
	AnomalyFailedLogins       = "multiple_failed_logins"
	AnomalyHighActivityUser   = "high_activity_user"
	AnomalyMultipleIPsPerUser = "multiple_ips_per_user"
)

// IPCount pairs an address with an occurrence count.
type IPCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

// UserCount pairs a username with an occurrence count.
type UserCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// Report is an on-demand aggregation over a time window.
type Report struct {
	From     time.Time        `json:"from"`
	To       time.Time        `json:"to"`
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"by_action"`
	ByStatus map[int]int64    `json:"by_status"`
	TopUsers []UserCount      `json:"top_users"`
	TopIPs   []IPCount        `json:"top_ips"`
}
