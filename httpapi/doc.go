// Package httpapi mounts the authcore endpoints on a gorilla/mux router.
//
//	POST   /api/auth/token/                   login
//	POST   /api/auth/token/refresh/           rotate a refresh token
//	GET    /api/accounts/me/roles-permissions/ effective grants (?scope=)
//	GET    /api/accounts/me/sessions/         caller's active sessions
//	POST   /api/accounts/logout/              revoke the current session
//	POST   /api/accounts/logout/all/          revoke every session of the caller
//	POST   /api/admin/role-assignments/       grant a role
//	DELETE /api/admin/role-assignments/       revoke a role
//	POST   /api/admin/users/                  register a user
//	PATCH  /api/admin/users/{id}/             activate or deactivate a user
//
// Domain handlers that need an authorization check are wrapped with
// [API.Protect], which applies the same chain the admin routes use.
//
// # What this package must NOT do
//
//   - Decide authorization outside Engine.Authorize.
//   - Return error text that did not come from the status table.
package httpapi
