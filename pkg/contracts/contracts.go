// Package contracts defines the service interfaces at the edges of the
// Warden control plane.
//
// The core (policy, skills, audit, queue) depends only on these interfaces,
// so infrastructure adapters and alert channels can be swapped in the
// wiring code (cmd/server) without touching the core.
package contracts

import (
	"context"
	"time"

	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Infrastructure Adapters ─────────────────────────────────

// LogEntry is one line returned by GetLogs.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream,omitempty"`
	Line      string    `json:"line"`
}

// InfraAdapter performs lifecycle operations for one target scheme.
// Implementations: process.DockerAdapter, process.ProxmoxAdapter, process.MockAdapter.
// ref is the identifier part of a target ("nginx-1", "pve1/101").
type InfraAdapter interface {
	// Scheme returns the target scheme this adapter serves.
	Scheme() models.TargetScheme

	Start(ctx context.Context, ref string, timeoutSeconds int) (bool, error)
	Stop(ctx context.Context, ref string, timeoutSeconds int) (bool, error)
	Restart(ctx context.Context, ref string, timeoutSeconds int) (bool, error)

	// Inspect returns the target's current attributes.
	Inspect(ctx context.Context, ref string) (map[string]interface{}, error)

	// GetLogs returns log lines produced within window.
	GetLogs(ctx context.Context, ref string, window time.Duration) ([]LogEntry, error)
}

// Pruner is implemented by adapters that can reclaim unused resources.
type Pruner interface {
	Prune(ctx context.Context, ref string) (map[string]interface{}, error)
}

// Snapshotter is implemented by adapters that can snapshot a target.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref, name string) (bool, error)
}

// ── Notifications ───────────────────────────────────────────

// NotificationEvent is the payload delivered to alert channels.
type NotificationEvent struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Subject   string                 `json:"subject"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChannelDriver delivers notification events to one kind of channel.
type ChannelDriver interface {
	// Kind returns the channel kind this driver handles (e.g., "webhook", "log").
	Kind() string

	// Send delivers event to the channel.
	Send(ctx context.Context, event NotificationEvent) error
}

// ── Task Notification ───────────────────────────────────────

// TaskNotifier tells listeners a task became claimable. Notification is a
// wake-up hint only; workers still claim through the store.
type TaskNotifier interface {
	NotifyTask(ctx context.Context, task *models.WorkerTask) error
	Close() error
}

// ── Audit Archives ──────────────────────────────────────────

// ArchiveDriver writes exported audit entries to durable storage. Entries
// are exported, never removed from the hot chain.
// Implementation: retention.LocalFileArchiver.
type ArchiveDriver interface {
	// Kind returns the backend identifier (e.g., "local").
	Kind() string

	// ArchiveAuditEntries writes one contiguous batch and returns its URI.
	ArchiveAuditEntries(ctx context.Context, entries []models.AuditEntry) (string, error)

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}
