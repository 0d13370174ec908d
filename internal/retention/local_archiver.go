package retention

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

const manifestSuffix = ".manifest.json"

// Manifest is the sidecar written next to every archive file. It pins the
// batch's boundary hashes and its checkpoints so the file can be verified
// on its own and re-linked to its neighbours. Checkpoints are computed over
// the batch alone, which yields a superset of the chain's checkpoints in
// that range.
type Manifest struct {
	File          string             `json:"file"`
	FromSequence  int64              `json:"from_sequence"`
	ToSequence    int64              `json:"to_sequence"`
	Count         int                `json:"count"`
	FirstPrevHash string             `json:"first_prev_hash"`
	LastHash      string             `json:"last_hash"`
	Compressed    bool               `json:"compressed"`
	Checkpoints   []audit.Checkpoint `json:"checkpoints"`
	CreatedAt     time.Time          `json:"created_at"`
}

// LocalFileArchiver writes exported audit entries as JSONL files to a
// local directory.
//
// Directory structure:
//
//	{basePath}/audit/000000000001-000000000500_2026-02-20T15-04-05Z.jsonl[.gz]
//	{basePath}/audit/000000000001-000000000500_2026-02-20T15-04-05Z.jsonl[.gz].manifest.json
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.warden/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/warden/archive"
		} else {
			basePath = filepath.Join(home, ".warden", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) dir() string { return filepath.Join(a.basePath, "audit") }

// ArchiveAuditEntries writes one contiguous batch plus its manifest. The
// manifest is written last, so a file without one is an incomplete export.
func (a *LocalFileArchiver) ArchiveAuditEntries(_ context.Context, entries []models.AuditEntry) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("nothing to archive")
	}
	dir := a.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	first, last := entries[0], entries[len(entries)-1]
	filename := fmt.Sprintf("%012d-%012d_%s.jsonl", first.SequenceNum, last.SequenceNum,
		a.now().UTC().Format("2006-01-02T15-04-05Z"))
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	if err := writeJSONL(fpath, a.compress, entries); err != nil {
		os.Remove(fpath)
		return "", err
	}

	m := Manifest{
		File:          filename,
		FromSequence:  first.SequenceNum,
		ToSequence:    last.SequenceNum,
		Count:         len(entries),
		FirstPrevHash: first.PrevHash,
		LastHash:      last.EntryHash,
		Compressed:    a.compress,
		Checkpoints:   audit.Checkpoints(entries),
		CreatedAt:     a.now().UTC(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(fpath+manifestSuffix, raw, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(entries)).
		Int64("from", first.SequenceNum).
		Int64("to", last.SequenceNum).
		Msg("Archived audit entries to local file")
	return fpath, nil
}

func writeJSONL(path string, compress bool, entries []models.AuditEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	var w io.Writer = f
	var gw *gzip.Writer
	if compress {
		gw = gzip.NewWriter(f)
		w = gw
	}
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			f.Close()
			return fmt.Errorf("encode audit entry %d: %w", entries[i].SequenceNum, err)
		}
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return f.Close()
}

// Manifests lists completed exports in sequence order.
func (a *LocalFileArchiver) Manifests() ([]Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir(), "*"+manifestSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(matches))
	for _, p := range matches {
		m, err := readManifest(p)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromSequence < out[j].FromSequence })
	return out, nil
}

// Watermark is the highest sequence number already exported, or 0.
func (a *LocalFileArchiver) Watermark(_ context.Context) (int64, error) {
	ms, err := a.Manifests()
	if err != nil {
		return 0, err
	}
	var hi int64
	for _, m := range ms {
		if m.ToSequence > hi {
			hi = m.ToSequence
		}
	}
	return hi, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.dir(), 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.dir(), ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}

func readManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", filepath.Base(path), err)
	}
	return &m, nil
}

// ReadArchive loads every entry from an export file.
func ReadArchive(path string) ([]models.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	var out []models.AuditEntry
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var e models.AuditEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ArchiveReport is the outcome of VerifyArchive.
type ArchiveReport struct {
	Path       string            `json:"path"`
	Valid      bool              `json:"valid"`
	Count      int               `json:"count"`
	From       int64             `json:"from"`
	To         int64             `json:"to"`
	Violations []audit.Violation `json:"violations"`
	// Problems are manifest disagreements that are not chain violations.
	Problems []string `json:"problems,omitempty"`
}

// VerifyArchive re-verifies an exported file on its own. The first entry's
// prev_hash is checked against the manifest instead of its predecessor, so
// an export can be validated after the hot chain is gone.
func VerifyArchive(path string) (*ArchiveReport, error) {
	entries, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}
	rep := &ArchiveReport{Path: path, Count: len(entries), Violations: audit.VerifyEntries(entries, nil)}
	if len(entries) > 0 {
		rep.From = entries[0].SequenceNum
		rep.To = entries[len(entries)-1].SequenceNum
	}

	m, err := readManifest(path + manifestSuffix)
	switch {
	case errors.Is(err, os.ErrNotExist):
		rep.Problems = append(rep.Problems, "manifest missing")
	case err != nil:
		return nil, err
	default:
		if m.Count != len(entries) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("manifest count %d, file has %d", m.Count, len(entries)))
		}
		if len(entries) > 0 {
			if m.FirstPrevHash != entries[0].PrevHash {
				rep.Problems = append(rep.Problems, "first prev_hash differs from manifest")
			}
			if m.LastHash != entries[len(entries)-1].EntryHash {
				rep.Problems = append(rep.Problems, "last entry_hash differs from manifest")
			}
		}
		want := audit.Checkpoints(entries)
		if len(want) != len(m.Checkpoints) {
			rep.Problems = append(rep.Problems, fmt.Sprintf("manifest lists %d checkpoints, entries yield %d", len(m.Checkpoints), len(want)))
		}
	}

	rep.Valid = len(rep.Violations) == 0 && len(rep.Problems) == 0
	return rep, nil
}
