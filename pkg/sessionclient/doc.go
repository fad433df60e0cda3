// Package sessionclient sends authenticated requests to the school API.
//
// A Client holds the access token (mirrored to per-tab storage), the CSRF token, the
// active school, and a refresh guard. Every request passes through a decoration step
// that attaches the bearer token, CSRF token, school header and JSON content type, and
// a recovery step that replays a request once after a CSRF reseed (403) and once after
// a token refresh (401). Concurrent refreshes collapse into a single network call.
//
// The login, refresh, logout and csrf endpoints are exempt: they never carry a bearer
// token and never trigger recovery.
package sessionclient
