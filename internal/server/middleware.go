package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"outreach-control-plane/internal/audit"
	"outreach-control-plane/internal/security"
)

const bearerPrefix = "bearer "

// Auth returns middleware that validates the Bearer operator token and sets
// the operator subject in context. Routes without it (e.g. /healthz) are
// public.
func Auth(tokens *security.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			subject, err := tokens.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), subject)))
		})
	}
}

// extractBearer returns the Bearer token from the Authorization header, or ""
// if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

// statusRecorder captures the response status code for audit and tracing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ClientIP returns the client IP from X-Forwarded-For, X-Real-Ip, or the
// remote address, or "unknown".
func ClientIP(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-Real-Ip")); s != "" {
		return s
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// requestMetadata is the JSON shape stored in the audit entry for api_request events.
type requestMetadata struct {
	Operator   string `json:"operator"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// Audit returns middleware that records an audit entry after each mutating
// request. Best-effort: failures do not fail the request. GET requests are
// not audited.
func Audit(auditLogger audit.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if r.Method == http.MethodGet {
				return
			}
			operator, _ := Operator(r.Context())
			meta := requestMetadata{
				Operator:   operator,
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     rec.status,
				DurationMs: time.Since(start).Milliseconds(),
				ClientIP:   ClientIP(r),
			}
			metaJSON, _ := json.Marshal(meta)
			tenantID := r.PathValue("tenant")
			workspaceID := r.PathValue("workspace")
			auditLogger.LogEvent(r.Context(), tenantID, workspaceID, "api_request", routeName(r), string(metaJSON))
		})
	}
}

// Trace returns middleware that wraps each request in an OTel server span.
func Trace() func(http.Handler) http.Handler {
	tracer := otel.Tracer("outreach.server")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), routeName(r))
			defer span.End()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.Int("http.response.status_code", rec.status),
				attribute.String("url.path", r.URL.Path),
			)
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

// routeName returns the matched mux pattern, falling back to method + path
// for unmatched requests.
func routeName(r *http.Request) string {
	if p := r.Pattern; p != "" {
		return p
	}
	return r.Method + " " + r.URL.Path
}
