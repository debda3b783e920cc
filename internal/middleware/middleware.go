// Package middleware provides HTTP middleware for the billing API.
// Authentication is delegated to the API gateway; the middleware here
// trusts gateway-injected identity headers only when the request also
// carries the shared internal token.
package middleware

// contextKey is a private type for context keys to avoid collisions
type contextKey string
