package audit

import "github.com/wardenhq/warden/control-plane/pkg/models"

// CheckpointKind says why an entry must survive any future pruning.
type CheckpointKind string

const (
	CheckpointGenesis CheckpointKind = "genesis"
	CheckpointDay     CheckpointKind = "day"
	CheckpointMonth   CheckpointKind = "month"
)

// Checkpoint pins an entry that chain verification can restart from.
type Checkpoint struct {
	Kind        CheckpointKind `json:"kind"`
	Period      string         `json:"period"`
	SequenceNum int64          `json:"sequence_num"`
	EntryHash   string         `json:"entry_hash"`
	PrevHash    string         `json:"prev_hash"`
}

// CheckpointSet accumulates checkpoints across pages of entries.
type CheckpointSet struct {
	list     []Checkpoint
	lastDay  string
	lastMon  string
	sawFirst bool
}

// Add considers one entry; entries must arrive in sequence order.
func (c *CheckpointSet) Add(e *models.AuditEntry) {
	at := NormalizeTime(e.RequestedAt)
	day := at.Format("2006-01-02")
	mon := at.Format("2006-01")

	mk := func(kind CheckpointKind, period string) Checkpoint {
		return Checkpoint{Kind: kind, Period: period, SequenceNum: e.SequenceNum, EntryHash: e.EntryHash, PrevHash: e.PrevHash}
	}

	if e.SequenceNum == 1 && !c.sawFirst {
		c.list = append(c.list, mk(CheckpointGenesis, day))
	}
	c.sawFirst = true
	if mon != c.lastMon {
		c.list = append(c.list, mk(CheckpointMonth, mon))
		c.lastMon = mon
	}
	if day != c.lastDay {
		c.list = append(c.list, mk(CheckpointDay, day))
		c.lastDay = day
	}
}

// List returns the checkpoints collected so far.
func (c *CheckpointSet) List() []Checkpoint {
	if c.list == nil {
		return []Checkpoint{}
	}
	return c.list
}

// Checkpoints returns the genesis, first-of-day and first-of-month entries
// (UTC) among entries, which must be in sequence order.
func Checkpoints(entries []models.AuditEntry) []Checkpoint {
	var c CheckpointSet
	for i := range entries {
		c.Add(&entries[i])
	}
	return c.List()
}

// IsCheckpoint reports whether seq is pinned by any checkpoint.
func IsCheckpoint(cps []Checkpoint, seq int64) bool {
	for _, cp := range cps {
		if cp.SequenceNum == seq {
			return true
		}
	}
	return false
}
