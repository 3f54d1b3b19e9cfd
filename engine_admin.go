package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/campusdesk/authcore/graph"
)

// GrantRole assigns a role to a user. It returns only after the user's
// cached permission sets have been invalidated. When the graph write
// succeeded but invalidation did not, the error wraps ErrCacheUnavailable and
// the assignment is committed.
func (e *Engine) GrantRole(ctx context.Context, a Assignment) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	err := e.resolver.Grant(ctx, a)
	if err := e.afterAssignmentWrite(ctx, a, err); err != nil {
		return err
	}
	e.metricInc(MetricRoleGranted)
	e.emitAudit(ctx, auditEventRoleGranted, true, a.UserID, "", nil, assignmentMeta(a))
	return nil
}

// RevokeRole removes an assignment with the same invalidation guarantee as
// GrantRole. Revoking an assignment that does not exist succeeds.
func (e *Engine) RevokeRole(ctx context.Context, a Assignment) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := graph.ValidateAssignment(a); err != nil {
		return err
	}
	err := e.resolver.Revoke(ctx, a)
	if err := e.afterAssignmentWrite(ctx, a, err); err != nil {
		return err
	}
	e.metricInc(MetricRoleRevoked)
	e.emitAudit(ctx, auditEventRoleRevoked, true, a.UserID, "", nil, assignmentMeta(a))
	return nil
}

func (e *Engine) afterAssignmentWrite(ctx context.Context, a Assignment, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCacheUnavailable) {
		e.emitAudit(ctx, auditEventInvalidateFailure, false, a.UserID, "", err, assignmentMeta(a))
		return errors.Join(ErrCacheUnavailable, err)
	}
	return err
}

func assignmentMeta(a Assignment) func() map[string]string {
	return func() map[string]string {
		return map[string]string{
			"role_id": a.RoleID,
			"scope":   a.Scope.String(),
		}
	}
}

// UpsertRole creates or replaces a role definition. Every permission must be
// in the catalog. Holders of an existing role are invalidated.
func (e *Engine) UpsertRole(ctx context.Context, r graph.Role) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty role id", ErrInvalidAssignment)
	}
	if err := e.catalog.Check(r.Permissions...); err != nil {
		return err
	}
	if err := e.graph.UpsertRole(ctx, r); err != nil {
		return err
	}
	return e.UpdateRolePermissions(ctx, r.ID, r.Permissions)
}

// UpdateRolePermissions replaces the permissions of roleID and invalidates
// every user holding the role before returning.
func (e *Engine) UpdateRolePermissions(ctx context.Context, roleID string, perms []string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.catalog.Check(perms...); err != nil {
		return err
	}
	if err := e.resolver.SetRolePermissions(ctx, roleID, perms); err != nil {
		if errors.Is(err, ErrCacheUnavailable) {
			e.emitAudit(ctx, auditEventInvalidateFailure, false, "", "", err, func() map[string]string {
				return map[string]string{"role_id": roleID}
			})
			return errors.Join(ErrCacheUnavailable, err)
		}
		return err
	}
	e.emitAudit(ctx, auditEventRoleUpdated, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"role_id":     roleID,
			"permissions": strings.Join(perms, ","),
		}
	})
	return nil
}

// SetUserActive enables or disables a user. Disabling revokes every session
// of the user and drops their cached permissions.
func (e *Engine) SetUserActive(ctx context.Context, userID string, active bool) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.userStore.SetActive(ctx, userID, active); err != nil {
		return err
	}

	var errs []error
	if !active {
		n, err := e.sessions.RevokeAllForUser(ctx, userID)
		if err != nil {
			errs = append(errs, err)
		}
		e.logger.Info("user deactivated", zap.String("user_id", userID), zap.Int("sessions_revoked", n))
	}
	if err := e.resolver.Invalidate(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	e.emitAudit(ctx, auditEventUserStatusChange, len(errs) == 0, userID, "", errors.Join(errs...), func() map[string]string {
		return map[string]string{"active": fmt.Sprint(active)}
	})
	return errors.Join(errs...)
}

// Register creates an active user with a hashed secret.
func (e *Engine) Register(ctx context.Context, identifier, secret string) (UserRecord, error) {
	if !e.ready() {
		return UserRecord{}, ErrEngineNotReady
	}
	return e.credentials.Register(ctx, identifier, secret)
}

// Permissions lists the catalog.
func (e *Engine) Permissions() []string {
	return e.catalog.Names()
}
