// ABOUTME: Builds cache keys identifying a question submission.
// ABOUTME: Same user, session, parent, and normalized query hash to the same key.

package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SubmissionKey builds the dedupe key for a question submission. Two
// submissions collide only when the same user asks the same question at
// the same place in the same session. The query is trimmed and hashed so
// key length stays bounded regardless of question size.
func SubmissionKey(userID, sessionID, parentID, query string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(query)))
	parts := []string{userID, sessionID, parentID, hex.EncodeToString(sum[:8])}
	return strings.Join(parts, "\x1f")
}
