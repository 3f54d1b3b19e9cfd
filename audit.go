package authcore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/campusdesk/authcore/internal/audit"
)

// AuditEvent is one security-relevant occurrence delivered to an AuditSink.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the Engine's dispatcher goroutine.
type AuditSink = internalaudit.Sink

type (
	NoOpSink       = internalaudit.NoOpSink
	ChannelSink    = internalaudit.ChannelSink
	JSONWriterSink = internalaudit.JSONWriterSink
	ZapSink        = internalaudit.ZapSink
)

var (
	NewChannelSink    = internalaudit.NewChannelSink
	NewJSONWriterSink = internalaudit.NewJSONWriterSink
)

// NewZapSink logs audit events through logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}

const (
	auditEventLoginSuccess       = "login_success"
	auditEventLoginFailure       = "login_failure"
	auditEventLoginRateLimited   = "login_rate_limited"
	auditEventRefreshSuccess     = "refresh_success"
	auditEventRefreshInvalid     = "refresh_invalid"
	auditEventRefreshRateLimited = "refresh_rate_limited"
	auditEventRefreshReuse       = "refresh_reuse_detected"
	auditEventLogoutSession      = "logout_session"
	auditEventLogoutAll          = "logout_all"
	auditEventRoleGranted        = "role_granted"
	auditEventRoleRevoked        = "role_revoked"
	auditEventRoleUpdated        = "role_permissions_updated"
	auditEventUserStatusChange   = "user_status_change"
	auditEventForbidden          = "forbidden"
	auditEventInvalidateFailure  = "permission_invalidate_failure"
)

// AuditErrorCode is the stable, non-sensitive error label written to events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrUserInactive       AuditErrorCode = "user_inactive"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrSessionInvalid     AuditErrorCode = "session_invalid"
	auditErrForbidden          AuditErrorCode = "forbidden"
	auditErrCacheUnavailable   AuditErrorCode = "cache_unavailable"
	auditErrGraphUnavailable   AuditErrorCode = "graph_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func auditErrorCode(err error) AuditErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUserNotFound):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrUserInactive):
		return auditErrUserInactive
	case errors.Is(err, ErrLoginRateLimited), errors.Is(err, ErrRefreshRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrSessionInvalid):
		return auditErrSessionInvalid
	case errors.Is(err, ErrForbidden):
		return auditErrForbidden
	case errors.Is(err, ErrCacheUnavailable):
		return auditErrCacheUnavailable
	case errors.Is(err, ErrGraphUnavailable):
		return auditErrGraphUnavailable
	default:
		return auditErrInternal
	}
}

// emitAudit builds the event lazily so disabled audit costs nothing.
func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, userID, sessionID string, err error, metadata func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	ev := AuditEvent{
		Timestamp: e.now(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		RequestID: RequestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Error:     string(auditErrorCode(err)),
	}
	if metadata != nil {
		ev.Metadata = metadata()
	}
	e.audit.Emit(ctx, ev)
}

// AuditDropped reports events discarded because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}
