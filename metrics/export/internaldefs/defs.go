package internaldefs

import (
	"github.com/campusdesk/authcore"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for export.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful login attempts."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh operations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed refresh operations."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: authcore.MetricRefreshRateLimited, Name: "authcore_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Created sessions."},
	{ID: authcore.MetricSessionValidated, Name: "authcore_session_validated_total", Help: "Requests authenticated against an active session."},
	{ID: authcore.MetricSessionRejected, Name: "authcore_session_rejected_total", Help: "Requests rejected for an absent, expired or revoked session."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricPermissionCacheHit, Name: "authcore_permission_cache_hit_total", Help: "Permission sets served from the shared cache."},
	{ID: authcore.MetricPermissionCacheMiss, Name: "authcore_permission_cache_miss_total", Help: "Permission sets loaded from the role graph."},
	{ID: authcore.MetricPermissionCacheFallback, Name: "authcore_permission_cache_fallback_total", Help: "Resolutions read from the role graph because the cache failed."},
	{ID: authcore.MetricPermissionStaleWriteRejected, Name: "authcore_permission_stale_write_rejected_total", Help: "Cache writes dropped because the generation moved."},
	{ID: authcore.MetricPermissionInvalidate, Name: "authcore_permission_invalidate_total", Help: "Acknowledged permission invalidations."},
	{ID: authcore.MetricPermissionInvalidateFailure, Name: "authcore_permission_invalidate_failure_total", Help: "Permission invalidations that failed after a graph write."},
	{ID: authcore.MetricAuthzAllow, Name: "authcore_authz_allow_total", Help: "Authorization checks that allowed the request."},
	{ID: authcore.MetricAuthzDeny, Name: "authcore_authz_deny_total", Help: "Authorization checks that denied the request."},
	{ID: authcore.MetricAuthzDenyTimeout, Name: "authcore_authz_deny_timeout_total", Help: "Denials caused by a backend deadline."},
	{ID: authcore.MetricAuthzError, Name: "authcore_authz_error_total", Help: "Authorization checks that failed with a backend error."},
	{ID: authcore.MetricIdempotencyExecuted, Name: "authcore_idempotency_executed_total", Help: "Keyed requests executed."},
	{ID: authcore.MetricIdempotencyReplayed, Name: "authcore_idempotency_replayed_total", Help: "Keyed requests answered from a recorded outcome."},
	{ID: authcore.MetricIdempotencyConflict, Name: "authcore_idempotency_conflict_total", Help: "Keyed requests rejected while the original was in progress."},
	{ID: authcore.MetricIdempotencyKeyReused, Name: "authcore_idempotency_key_reused_total", Help: "Keys presented with a different payload."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Requests shed by the per-IP token bucket."},
	{ID: authcore.MetricRoleGranted, Name: "authcore_role_granted_total", Help: "Role assignments granted."},
	{ID: authcore.MetricRoleRevoked, Name: "authcore_role_revoked_total", Help: "Role assignments revoked."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Session validation latency."},
	{ID: authcore.MetricAuthorizeLatency, Name: "authcore_authorize_latency_seconds", Help: "Authorization check latency."},
}

// AuditDroppedName is the counter of audit events lost to backpressure.
const (
	AuditDroppedName = "authcore_audit_dropped_total"
	AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."
)

// HistogramBounds are the finite upper bounds, in seconds, of the engine's
// latency buckets. The last engine bucket is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters
// without native histograms.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
