package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Fingerprint identifies a mutation's content for duplicate suppression.
// Submissions with the same group, actor, amount, and description that land
// within the same window bucket produce the same fingerprint, so a retried
// tap or a replayed form post collapses into one queued entry.
func Fingerprint(m Mutation, at time.Time, window time.Duration) string {
	bucket := at.Unix()
	if window > 0 {
		sec := int64(window / time.Second)
		if sec > 0 {
			bucket = at.Unix() / sec
		}
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d",
		m.GroupID(), m.ActorID(), m.AmountCents(), m.Description(), bucket)))
	return hex.EncodeToString(sum[:])
}
