// Package auth authenticates agents and API callers of the dispatch hub.
//
// # JWT Tokens
//
// Every caller presents an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Tokens are signed with the hub's configured secret, which must be at least
// MinSecretLength bytes. The "sub" claim names the caller; agents use their
// agent id, operators use anything descriptive. Tokens are minted with
// JWTVerifier.Generate (exposed as "dispatch-hub token").
//
// # HTTP Middleware
//
// HTTPAuthMiddleware wraps a handler so requests without a valid token are
// rejected with 401 and a JSON error body. The verified subject is stored in
// the request context and can be read with SubjectFromContext.
//
// When the hub runs without a secret, HTTPAuthMiddleware is given a nil
// verifier and lets everything through. This is intended for local
// development and tailnet-only deployments.
package auth
