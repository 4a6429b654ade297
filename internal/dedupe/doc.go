// Package dedupe guards against duplicate question submissions. Keys are
// remembered for a TTL window with bounded memory; a key seen again inside
// the window marks the submission as a duplicate.
package dedupe
