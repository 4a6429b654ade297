// Package auth provides authentication for the DeepStudy gateway.
//
// Access is granted through JWT bearer tokens signed with a shared
// HMAC secret. JWTVerifier both mints tokens at registration/login time
// and validates them on every request; Middleware wires verification
// into the HTTP stack, resolves the token's subject against the user
// store, and stashes the resulting Identity in the request context for
// handlers to read back with FromContext.
//
// Accounts implements the registration and login flows on top of the
// user store, hashing passwords with bcrypt. Login compares against a
// fixed dummy hash when the username is unknown so response timing does
// not leak which usernames exist.
//
// For single-user deployments authentication can be disabled entirely,
// in which case AllowAnonymous injects a fixed local identity and every
// conversation belongs to the same implicit user.
package auth
