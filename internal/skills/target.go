package skills

import (
	"regexp"
	"strings"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

var (
	containerRefRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	nodeRe         = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,62}$`)
	vmidRe         = regexp.MustCompile(`^[1-9][0-9]{1,8}$`)
)

// Target is a parsed "scheme://identifier" reference.
type Target struct {
	Scheme models.TargetScheme `json:"scheme"`
	ID     string              `json:"id"`
	Type   models.TargetType   `json:"type"`
	Node   string              `json:"node,omitempty"`
	VMID   string              `json:"vmid,omitempty"`
}

// String renders the reference back to scheme://id form.
func (t Target) String() string {
	return string(t.Scheme) + "://" + t.ID
}

// ParseTarget validates ref. Docker identifiers name a container; Proxmox
// identifiers are either "node/vmid" (a VM) or "node".
func ParseTarget(ref string) (Target, error) {
	scheme, id, ok := strings.Cut(ref, "://")
	if !ok || id == "" {
		return Target{}, &ValidationError{Field: "target", Reason: "must be scheme://identifier"}
	}

	switch models.TargetScheme(scheme) {
	case models.SchemeDocker:
		if !containerRefRe.MatchString(id) {
			return Target{}, &ValidationError{Field: "target", Reason: "invalid container identifier"}
		}
		return Target{Scheme: models.SchemeDocker, ID: id, Type: models.TargetContainer}, nil

	case models.SchemeProxmox:
		node, vmid, hasVM := strings.Cut(id, "/")
		if !nodeRe.MatchString(node) {
			return Target{}, &ValidationError{Field: "target", Reason: "invalid proxmox node"}
		}
		if !hasVM {
			return Target{Scheme: models.SchemeProxmox, ID: id, Type: models.TargetNode, Node: node}, nil
		}
		if !vmidRe.MatchString(vmid) {
			return Target{}, &ValidationError{Field: "target", Reason: "invalid proxmox vmid"}
		}
		return Target{Scheme: models.SchemeProxmox, ID: id, Type: models.TargetVM, Node: node, VMID: vmid}, nil
	}
	return Target{}, &ValidationError{Field: "target", Reason: "unknown scheme " + scheme}
}

// PolicyID is the identifier matched against per-type allowlists.
func (t Target) PolicyID() string {
	if t.Type == models.TargetVM {
		return t.VMID
	}
	return t.ID
}
