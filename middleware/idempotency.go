package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/idempotency"
	"github.com/campusdesk/authcore/internal/httpx"
)

// ReplayedHeader is set on responses served from a recorded outcome.
const ReplayedHeader = "Idempotent-Replayed"

// replayHeaders are copied into the recorded outcome.
var replayHeaders = []string{"Location", "ETag"}

// IdempotencyRecorder receives the outcome of every keyed request.
type IdempotencyRecorder interface {
	RecordIdempotency(replayed bool, err error)
}

// IdempotencyConfig configures the Idempotency middleware.
type IdempotencyConfig struct {
	Store *idempotency.Store
	// Header carries the client key. Requests without it pass through.
	Header string
	// MaxBody bounds the request body read for fingerprinting. Zero selects 1 MiB.
	MaxBody  int64
	Recorder IdempotencyRecorder
}

// Idempotency runs a keyed mutating request at most once per key, caller
// and route. Concurrent and later duplicates receive the first response
// byte for byte. The signature includes the authenticated user, so the
// middleware must run after Authenticate.
func Idempotency(cfg IdempotencyConfig) func(http.Handler) http.Handler {
	if cfg.Header == "" {
		cfg.Header = "Idempotency-Key"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.Header)
			if key == "" || cfg.Store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				httpx.WriteError(w, err)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBody))
			if err != nil {
				httpx.WriteError(w, httpx.ErrBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			userID := ""
			if p, ok := authcore.PrincipalFromContext(r.Context()); ok {
				userID = p.UserID
			}
			sig := idempotency.Signature(r.Method, routeOf(r), userID)
			fp := idempotency.Fingerprint(body)

			out, replayed, err := cfg.Store.Do(r.Context(), key, sig, fp, func(ctx context.Context) (idempotency.Outcome, error) {
				rec := newCapture()
				next.ServeHTTP(rec, r.WithContext(ctx))
				return rec.outcome(), nil
			})
			if cfg.Recorder != nil {
				cfg.Recorder.RecordIdempotency(replayed, err)
			}
			if err != nil {
				// Cache failures fall through to 503 without running the handler.
				httpx.WriteError(w, err)
				return
			}

			writeOutcome(w, out, replayed)
		})
	}
}

func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func writeOutcome(w http.ResponseWriter, out idempotency.Outcome, replayed bool) {
	h := w.Header()
	for k, v := range out.Headers {
		h.Set(k, v)
	}
	if out.ContentType != "" {
		h.Set("Content-Type", out.ContentType)
	}
	if replayed {
		h.Set(ReplayedHeader, "true")
	}
	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

// capture buffers a handler's response so it can be recorded before it is
// sent.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *capture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *capture) outcome() idempotency.Outcome {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	out := idempotency.Outcome{
		Status:      status,
		ContentType: c.header.Get("Content-Type"),
		Body:        c.body.Bytes(),
	}
	for _, name := range replayHeaders {
		if v := c.header.Get(name); v != "" {
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[name] = v
		}
	}
	return out
}
