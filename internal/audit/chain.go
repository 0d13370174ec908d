package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// pageSize bounds how many entries verification and summaries load at once.
const pageSize = 500

// Store is the persistence the chain needs. AppendAuditEntry must run
// prepare inside a critical section that serializes all appenders, so the
// head it observes is still the head when the entry is inserted.
type Store interface {
	AppendAuditEntry(ctx context.Context, prepare func(head models.ChainHead) (*models.AuditEntry, error)) (*models.AuditEntry, error)
	ListAuditEntries(ctx context.Context, from, to int64, limit int) ([]models.AuditEntry, error)
	GetAuditEntry(ctx context.Context, seq int64) (*models.AuditEntry, error)
	AuditHead(ctx context.Context) (models.ChainHead, error)
}

// Action is what a caller wants recorded; the chain fills in linkage.
type Action struct {
	ActionTemplate string
	TargetResource string
	Parameters     map[string]interface{}
	Status         string
	RequestedAt    time.Time
	CompletedAt    *time.Time
	Result         map[string]interface{}
}

// PrepareEntry stamps an action with its sequence number and hashes given
// the current head. Pure; callers must hold the append critical section.
func PrepareEntry(head models.ChainHead, a Action) *models.AuditEntry {
	prev := head.PrevHash
	seq := head.NextSeq
	if prev == "" || seq < 1 {
		prev = models.GenesisHash
		seq = 1
	}
	e := &models.AuditEntry{
		ID:             uuid.New().String(),
		SequenceNum:    seq,
		PrevHash:       prev,
		ActionTemplate: a.ActionTemplate,
		TargetResource: a.TargetResource,
		Parameters:     a.Parameters,
		Status:         a.Status,
		RequestedAt:    NormalizeTime(a.RequestedAt),
		Result:         a.Result,
	}
	if a.CompletedAt != nil {
		t := NormalizeTime(*a.CompletedAt)
		e.CompletedAt = &t
	}
	e.EntryHash = ComputeHash(e)
	return e
}

// Chain appends to and verifies the audit log.
type Chain struct {
	store   Store
	now     func() time.Time
	appends metric.Int64Counter
	broken  metric.Int64Counter
}

// NewChain wires a chain over store.
func NewChain(store Store) *Chain {
	return &Chain{
		store:   store,
		now:     time.Now,
		appends: telemetry.Counter("warden.audit.appends", "Audit entries appended"),
		broken:  telemetry.Counter("warden.audit.violations", "Chain violations found by verification"),
	}
}

// Append records an action as the next chain entry.
func (c *Chain) Append(ctx context.Context, a Action) (*models.AuditEntry, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.Append",
		trace.WithAttributes(attribute.String("audit.action", a.ActionTemplate)))
	defer span.End()

	if a.RequestedAt.IsZero() {
		a.RequestedAt = c.now()
	}
	entry, err := c.store.AppendAuditEntry(ctx, func(head models.ChainHead) (*models.AuditEntry, error) {
		return PrepareEntry(head, a), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	c.appends.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("audit.sequence", entry.SequenceNum))
	log.Info().
		Int64("sequence_num", entry.SequenceNum).
		Str("action", entry.ActionTemplate).
		Str("target", entry.TargetResource).
		Str("status", entry.Status).
		Str("entry_hash", entry.EntryHash[:12]).
		Msg("🔗 Audit entry appended")
	return entry, nil
}

// Verify replays entries in [from, to] (to <= 0 means through the head).
// When from > 1 the preceding entry anchors linkage of the first one.
func (c *Chain) Verify(ctx context.Context, from, to int64) (*Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.Verify")
	defer span.End()

	if from < 1 {
		from = 1
	}
	rep := &Report{From: from, To: to, VerifiedAt: c.now().UTC(), Violations: []Violation{}}
	if to > 0 && to < from {
		rep.Valid = true
		return rep, nil
	}

	v := &verifier{}
	if from > 1 {
		anchor, err := c.store.GetAuditEntry(ctx, from-1)
		if err == nil {
			v.prev = anchor
		}
	}

	cursor := from
	for {
		page, err := c.store.ListAuditEntries(ctx, cursor, to, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if v.checked == 0 && from == 1 && page[0].SequenceNum != 1 {
			v.add(page[0].SequenceNum, SequenceGap, "1", fmt.Sprint(page[0].SequenceNum),
				"chain does not start at sequence 1")
		}
		v.feed(page)
		cursor = page[len(page)-1].SequenceNum + 1
		if len(page) < pageSize {
			break
		}
	}

	rep.Checked = v.checked
	if v.violations != nil {
		rep.Violations = v.violations
	}
	rep.Valid = len(rep.Violations) == 0
	if v.prev != nil && v.checked > 0 {
		rep.HeadHash = v.prev.EntryHash
		if rep.To <= 0 {
			rep.To = v.prev.SequenceNum
		}
	}

	span.SetAttributes(attribute.Int("audit.checked", rep.Checked), attribute.Bool("audit.valid", rep.Valid))
	ev := log.Info()
	if !rep.Valid {
		c.broken.Add(ctx, int64(len(rep.Violations)))
		ev = log.Error().Interface("violations", rep.Violations)
	}
	ev.Int64("from", rep.From).
		Int64("to", rep.To).
		Int("checked", rep.Checked).
		Bool("valid", rep.Valid).
		Msg("Audit chain verified")
	return rep, nil
}

// Summary describes the chain as a whole.
type Summary struct {
	TotalEntries int64            `json:"total_entries"`
	HeadSequence int64            `json:"head_sequence"`
	HeadHash     string           `json:"head_hash"`
	FirstAt      *time.Time       `json:"first_at,omitempty"`
	LastAt       *time.Time       `json:"last_at,omitempty"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByAction     map[string]int64 `json:"by_action"`
	Checkpoints  []Checkpoint     `json:"checkpoints"`
}

// GetSummary walks the chain once and aggregates counts and checkpoints.
func (c *Chain) GetSummary(ctx context.Context) (*Summary, error) {
	s := &Summary{
		HeadHash: models.GenesisHash,
		ByStatus: map[string]int64{},
		ByAction: map[string]int64{},
	}
	var cps CheckpointSet
	var cursor int64 = 1
	for {
		page, err := c.store.ListAuditEntries(ctx, cursor, 0, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		for i := range page {
			e := &page[i]
			s.TotalEntries++
			s.ByStatus[e.Status]++
			s.ByAction[e.ActionTemplate]++
			if s.FirstAt == nil {
				t := e.RequestedAt
				s.FirstAt = &t
			}
			t := e.RequestedAt
			s.LastAt = &t
			s.HeadSequence = e.SequenceNum
			s.HeadHash = e.EntryHash
			cps.Add(e)
		}
		if len(page) < pageSize {
			break
		}
		cursor = page[len(page)-1].SequenceNum + 1
	}
	s.Checkpoints = cps.List()
	return s, nil
}

// Head returns the current chain head.
func (c *Chain) Head(ctx context.Context) (models.ChainHead, error) {
	return c.store.AuditHead(ctx)
}

// Entries pages through [from, to] in sequence order.
func (c *Chain) Entries(ctx context.Context, from, to int64, limit int) ([]models.AuditEntry, error) {
	return c.store.ListAuditEntries(ctx, from, to, limit)
}
