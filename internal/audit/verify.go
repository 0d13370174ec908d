package audit

import (
	"fmt"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// ViolationKind classifies a chain integrity failure.
type ViolationKind string

const (
	// HashMismatch: stored entry_hash differs from the recomputed one (in-place edit).
	HashMismatch ViolationKind = "hash_mismatch"
	// PrevHashMismatch: prev_hash does not equal the previous entry's hash (reorder/delete).
	PrevHashMismatch ViolationKind = "prev_hash_mismatch"
	// SequenceGap: sequence numbers are not contiguous (silent removal).
	SequenceGap ViolationKind = "sequence_gap"
	// GenesisMismatch: entry 1 does not link to the genesis hash.
	GenesisMismatch ViolationKind = "genesis_mismatch"
)

// Violation is one integrity failure found during verification.
type Violation struct {
	Sequence int64         `json:"sequence_num"`
	Kind     ViolationKind `json:"kind"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
	Message  string        `json:"message"`
}

// Report is the outcome of verifying a range of the chain.
type Report struct {
	Valid      bool        `json:"valid"`
	From       int64       `json:"from"`
	To         int64       `json:"to"`
	Checked    int         `json:"checked"`
	HeadHash   string      `json:"head_hash,omitempty"`
	Violations []Violation `json:"violations"`
	VerifiedAt time.Time   `json:"verified_at"`
}

// verifier carries state across pages so a chain can be checked without
// loading it all at once.
type verifier struct {
	prev       *models.AuditEntry
	checked    int
	violations []Violation
}

// VerifyEntries checks entries (ascending by sequence) against each other.
// anchor is the entry immediately preceding entries[0], or nil when the
// range starts the chain or the predecessor is unavailable.
func VerifyEntries(entries []models.AuditEntry, anchor *models.AuditEntry) []Violation {
	v := &verifier{prev: anchor}
	v.feed(entries)
	if v.violations == nil {
		return []Violation{}
	}
	return v.violations
}

func (v *verifier) feed(entries []models.AuditEntry) {
	for i := range entries {
		e := entries[i]
		v.check(&e)
		v.prev = &e
		v.checked++
	}
}

func (v *verifier) add(seq int64, kind ViolationKind, expected, actual, msg string) {
	v.violations = append(v.violations, Violation{
		Sequence: seq, Kind: kind, Expected: expected, Actual: actual, Message: msg,
	})
}

func (v *verifier) check(e *models.AuditEntry) {
	if got := ComputeHash(e); got != e.EntryHash {
		v.add(e.SequenceNum, HashMismatch, got, e.EntryHash,
			fmt.Sprintf("entry %d hash does not match its contents", e.SequenceNum))
	}

	if e.SequenceNum == 1 {
		if e.PrevHash != models.GenesisHash {
			v.add(1, GenesisMismatch, models.GenesisHash, e.PrevHash,
				"first entry does not link to genesis")
		}
		return
	}

	if v.prev == nil {
		return
	}
	if want := v.prev.SequenceNum + 1; e.SequenceNum != want {
		v.add(e.SequenceNum, SequenceGap, fmt.Sprint(want), fmt.Sprint(e.SequenceNum),
			fmt.Sprintf("expected sequence %d after %d, found %d", want, v.prev.SequenceNum, e.SequenceNum))
	}
	if e.PrevHash != v.prev.EntryHash {
		v.add(e.SequenceNum, PrevHashMismatch, v.prev.EntryHash, e.PrevHash,
			fmt.Sprintf("entry %d does not link to entry %d", e.SequenceNum, v.prev.SequenceNum))
	}
}
