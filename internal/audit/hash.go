// Package audit maintains the append-only, SHA-256 linked record of every
// action the control plane performs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// TimestampLayout is the fixed-width UTC form folded into entry hashes.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// resultDigestLen is how many hex chars of the result digest enter the hash.
const resultDigestLen = 16

// NormalizeTime truncates to the precision the hash and stores keep.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTimestamp renders t the way it is hashed.
func FormatTimestamp(t time.Time) string {
	return NormalizeTime(t).Format(TimestampLayout)
}

// ResultDigest is the truncated SHA-256 of the result's canonical JSON
// encoding. Nested structs are folded to generic maps first so a result
// read back from a JSON column digests the same as the one appended.
func ResultDigest(result map[string]interface{}) string {
	sum := sha256.Sum256(canonicalJSON(result))
	return hex.EncodeToString(sum[:])[:resultDigestLen]
}

func canonicalJSON(v map[string]interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("unencodable")
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

// ComputeHash recomputes an entry's hash from its stored fields:
// SHA256(prev_hash ∥ action_template ∥ target_resource ∥ requested_at ∥ result_digest).
func ComputeHash(e *models.AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.ActionTemplate))
	h.Write([]byte(e.TargetResource))
	h.Write([]byte(FormatTimestamp(e.RequestedAt)))
	h.Write([]byte(ResultDigest(e.Result)))
	return hex.EncodeToString(h.Sum(nil))
}
