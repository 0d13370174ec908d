package handlers

import (
	"net/http"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Audit Chain Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// VerifyAudit replays [from, to]. A broken chain is still a 200: the
// violations are the answer.
func (h *Handlers) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 1)
	if err != nil {
		respondError(w, r, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	rep, err := h.Chain.Verify(r.Context(), from, to)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (h *Handlers) AuditSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Chain.GetSummary(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *Handlers) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 1)
	if err != nil {
		respondError(w, r, err)
		return
	}
	to, err := queryInt(r, "to", 0)
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, r, err)
		return
	}
	entries, err := h.Chain.Entries(r.Context(), from, to, int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ExportAudit runs one export cycle now instead of waiting for the schedule.
func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	if h.Exporter == nil {
		respondProblem(w, r, http.StatusServiceUnavailable, "export_disabled", "audit export is not configured (set WARDEN_AUDIT_EXPORT_PATH)")
		return
	}
	stats, err := h.Exporter.RunCycle(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
