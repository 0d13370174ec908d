// Package retention exports the audit chain to durable archive files.
//
// Audit entries are never deleted here: each cycle exports the entries
// appended since the last export (the watermark) in contiguous batches,
// verifying every batch before it is written. Each export carries the
// checkpoints (genesis, first entry of each UTC day and month) that chain
// verification needs if a pruning policy is ever introduced.
//
// The janitor runs on a cron schedule and respects context cancellation for
// graceful shutdown. A batch that fails verification or archiving stops the
// cycle, so the watermark never moves past an entry that was not exported.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// DefaultArchiveBatchSize is the max entries per archive file.
const DefaultArchiveBatchSize = 5000

// DefaultSchedule is used when no cron spec is configured.
const DefaultSchedule = "@daily"

// ErrCycleRunning is returned when a cycle is requested while one runs.
var ErrCycleRunning = errors.New("retention cycle already running")

// ChainReader is the slice of audit.Chain the janitor reads.
type ChainReader interface {
	Entries(ctx context.Context, from, to int64, limit int) ([]models.AuditEntry, error)
}

// Watermarker is implemented by archivers that know how far they have
// exported. Without it the janitor tracks the watermark in memory only.
type Watermarker interface {
	Watermark(ctx context.Context) (int64, error)
}

// ArchiveRecord describes one written export.
type ArchiveRecord struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	URI          string    `json:"uri"`
	FromSequence int64     `json:"from_sequence"`
	ToSequence   int64     `json:"to_sequence"`
	RecordCount  int       `json:"record_count"`
	Checkpoints  int       `json:"checkpoints"`
	OldestItem   time.Time `json:"oldest_item"`
	NewestItem   time.Time `json:"newest_item"`
	CreatedAt    time.Time `json:"created_at"`
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	FromSequence   int64           `json:"from_sequence"`
	Watermark      int64           `json:"watermark"`
	AuditArchived  int             `json:"audit_archived"`
	ArchiveRecords []ArchiveRecord `json:"archive_records"`
	Errors         []string        `json:"errors,omitempty"`
}

// Janitor periodically exports new audit entries through an archive driver.
type Janitor struct {
	chain     ChainReader
	archiver  contracts.ArchiveDriver
	schedule  string
	batchSize int

	mu           sync.Mutex
	running      bool
	watermark    int64
	lastVerified *models.AuditEntry
}

// NewJanitor creates a janitor that exports chain through archiver on the
// given cron schedule (standard 5-field spec or descriptor such as @daily).
func NewJanitor(chain ChainReader, archiver contracts.ArchiveDriver, schedule string) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid export schedule %q: %w", schedule, err)
	}
	return &Janitor{
		chain:     chain,
		archiver:  archiver,
		schedule:  schedule,
		batchSize: DefaultArchiveBatchSize,
	}, nil
}

// SetBatchSize overrides DefaultArchiveBatchSize.
func (j *Janitor) SetBatchSize(n int) {
	if n > 0 {
		j.batchSize = n
	}
}

// Start runs one cycle immediately, then on every schedule tick. It blocks
// until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.runScheduled(ctx) }); err != nil {
		log.Error().Err(err).Str("schedule", j.schedule).Msg("Retention janitor not started")
		return
	}

	log.Info().
		Str("schedule", j.schedule).
		Str("archiver", j.archiver.Kind()).
		Msg("Retention janitor started")

	c.Start()
	j.runScheduled(ctx)

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Retention janitor stopped")
}

func (j *Janitor) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := j.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
		log.Warn().Err(err).Msg("Retention cycle failed")
	}
}

// RunCycle exports every entry above the watermark. Entries already
// exported are skipped; an empty tail is a no-op.
func (j *Janitor) RunCycle(ctx context.Context) (*CycleStats, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil, ErrCycleRunning
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	start := time.Now()
	if err := j.archiver.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("archiver %s unhealthy: %w", j.archiver.Kind(), err)
	}
	if err := j.loadWatermark(ctx); err != nil {
		return nil, err
	}

	stats := &CycleStats{FromSequence: j.watermark + 1, Watermark: j.watermark, ArchiveRecords: []ArchiveRecord{}}
	anchor, err := j.anchor(ctx)
	if err != nil {
		return stats, err
	}

	for {
		batch, err := j.chain.Entries(ctx, j.watermark+1, 0, j.batchSize)
		if err != nil {
			return stats, fmt.Errorf("list audit entries: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if vs := audit.VerifyEntries(batch, anchor); len(vs) > 0 {
			err := fmt.Errorf("batch %d-%d failed verification: %s at %d",
				batch[0].SequenceNum, batch[len(batch)-1].SequenceNum, vs[0].Kind, vs[0].Sequence)
			log.Error().Interface("violations", vs).Msg("Refusing to export unverified audit entries")
			stats.Errors = append(stats.Errors, err.Error())
			return stats, err
		}

		uri, err := j.archiver.ArchiveAuditEntries(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("backend", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive audit entries")
			stats.Errors = append(stats.Errors, err.Error())
			return stats, err
		}

		first, last := batch[0], batch[len(batch)-1]
		stats.AuditArchived += len(batch)
		stats.ArchiveRecords = append(stats.ArchiveRecords, ArchiveRecord{
			ID:           uuid.New().String(),
			Backend:      j.archiver.Kind(),
			URI:          uri,
			FromSequence: first.SequenceNum,
			ToSequence:   last.SequenceNum,
			RecordCount:  len(batch),
			Checkpoints:  len(audit.Checkpoints(batch)),
			OldestItem:   first.RequestedAt,
			NewestItem:   last.RequestedAt,
			CreatedAt:    time.Now().UTC(),
		})

		j.mu.Lock()
		j.watermark = last.SequenceNum
		j.lastVerified = &last
		j.mu.Unlock()
		anchor = &last
		stats.Watermark = last.SequenceNum

		if len(batch) < j.batchSize {
			break
		}
	}

	if stats.AuditArchived > 0 {
		log.Info().
			Int("archived", stats.AuditArchived).
			Int("files", len(stats.ArchiveRecords)).
			Int64("watermark", stats.Watermark).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats, nil
}

// Watermark returns the highest exported sequence number known in memory.
func (j *Janitor) Watermark() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.watermark
}

// loadWatermark advances the in-memory watermark to what the archiver has
// on disk, for restarts.
func (j *Janitor) loadWatermark(ctx context.Context) error {
	wm, ok := j.archiver.(Watermarker)
	if !ok {
		return nil
	}
	hi, err := wm.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read archive watermark: %w", err)
	}
	j.mu.Lock()
	if hi > j.watermark {
		j.watermark = hi
		j.lastVerified = nil
	}
	j.mu.Unlock()
	return nil
}

// anchor returns the entry just below the watermark so the first batch's
// linkage is checked too.
func (j *Janitor) anchor(ctx context.Context) (*models.AuditEntry, error) {
	j.mu.Lock()
	wm, last := j.watermark, j.lastVerified
	j.mu.Unlock()
	if wm == 0 {
		return nil, nil
	}
	if last != nil && last.SequenceNum == wm {
		return last, nil
	}
	page, err := j.chain.Entries(ctx, wm, wm, 1)
	if err != nil {
		return nil, fmt.Errorf("load archive anchor: %w", err)
	}
	if len(page) == 0 {
		return nil, nil
	}
	return &page[0], nil
}
