package audit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Recorder hands a finished record to the pipeline. Implementations must not
// block on durable storage; the asynq client enqueues and returns.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Middleware captures request metadata and emits one audit record per
// processed request.
type Middleware struct {
	logger   *slog.Logger
	recorder Recorder
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewMiddleware constructs the audit middleware.
func NewMiddleware(logger *slog.Logger, recorder Recorder, metrics *observability.Metrics) *Middleware {
	return &Middleware{
		logger:   logger,
		recorder: recorder,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handler installs the capture and emits the record after the response.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cap := &Capture{
			start:       m.now(),
			method:      r.Method,
			path:        TruncatePath(r.URL.Path),
			query:       r.URL.RawQuery,
			ipAddress:   remoteHost(r),
			userAgent:   r.UserAgent(),
			referer:     r.Referer(),
			contentType: r.Header.Get("Content-Type"),
		}
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			cap.sessionKey = sess.ID
		}
		if p := identity.PrincipalFromContext(r.Context()); p.IsUser() {
			id := p.User.ID
			cap.userID = &id
			cap.username = p.User.Username
		}
		m.captureBody(r, cap)

		ctx := ContextWithCapture(r.Context(), cap)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		// Emission survives client disconnect: work already performed is
		// always accounted for.
		m.emit(context.WithoutCancel(ctx), cap, rec.status)
	})
}

func (m *Middleware) captureBody(r *http.Request, cap *Capture) {
	if !stateChanging(r.Method) || r.Body == nil {
		return
	}
	if r.ContentLength <= 0 || r.ContentLength >= MaxCapturedBody {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxCapturedBody))
	if err != nil {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	cap.bodyPreview = SanitizeBody(body)
}

func (m *Middleware) emit(ctx context.Context, cap *Capture, status int) {
	snap, override, perms, errText := cap.snapshot()

	action := Classify(snap.method, status)
	if override != "" {
		action = override
	}
	resourceType, resourceID := ResourceHints(snap.path)

	record := Record{
		CreatedAt:    m.now(),
		UserID:       snap.userID,
		Username:     snap.username,
		SessionKey:   snap.sessionKey,
		Method:       snap.method,
		Path:         snap.path,
		QueryParams:  snap.query,
		StatusCode:   status,
		IPAddress:    snap.ipAddress,
		UserAgent:    snap.userAgent,
		Referer:      snap.referer,
		Action:       string(action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Extra: ExtraData{
			ResponseTimeSeconds: time.Since(snap.start).Seconds(),
			ContentType:         snap.contentType,
			BodyPreview:         snap.bodyPreview,
			RequiredPermissions: perms,
			Error:               errText,
		},
	}

	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(ctx, record); err != nil {
		if m.logger != nil {
			m.logger.Error("audit record enqueue", slog.Any("error", err))
		}
		m.metrics.IncAuditEnqueueFailed()
	}
}

// stateChanging includes DELETE: a deletion must be audited even though the
// edge content-type check (see edge.stateChanging) skips it for carrying no
// body.
func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
