// Package skills owns the skill catalog and the execution state machine
// that takes a requested skill from creation through approval, policy
// re-check, sandboxed rendering, adapter call, judge review and audit.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"gopkg.in/yaml.v3"
)

var (
	skillIDRe  = regexp.MustCompile(`^[a-z][a-z0-9-]{1,63}$`)
	paramKeyRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,63}$`)
)

// NewValidator returns a validator with the skill-specific tags registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("skillid", func(fl validator.FieldLevel) bool {
		return skillIDRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("paramkey", func(fl validator.FieldLevel) bool {
		return paramKeyRe.MatchString(fl.Field().String())
	})
	return v
}

// BuiltinSkills is the catalog shipped with the binary.
func BuiltinSkills() []models.Skill {
	return []models.Skill{
		{
			ID: "diag-inspect-container", Name: "Inspect container", Risk: models.RiskLow,
			TargetScheme: models.SchemeDocker, Action: models.ActionInspect, ReadOnly: true,
			Description:    "Read container state and configuration.",
			ActionTemplate: "docker inspect {{ .target }}",
		},
		{
			ID: "diag-container-logs", Name: "Container logs", Risk: models.RiskLow,
			TargetScheme: models.SchemeDocker, Action: models.ActionLogs, ReadOnly: true,
			Description:    "Fetch recent container log lines.",
			ActionTemplate: "docker logs --since {{ .window }} {{ .target }}",
		},
		{
			ID: "rem-restart-container", Name: "Restart container", Risk: models.RiskMedium,
			TargetScheme: models.SchemeDocker, Action: models.ActionRestart,
			Description:    "Restart a container in place.",
			ActionTemplate: "docker restart -t {{ .timeout }} {{ .target }}",
			TimeoutSeconds: 30,
		},
		{
			ID: "rem-start-container", Name: "Start container", Risk: models.RiskMedium,
			TargetScheme: models.SchemeDocker, Action: models.ActionStart,
			Description:    "Start a stopped container.",
			ActionTemplate: "docker start {{ .target }}",
		},
		{
			ID: "rem-stop-container", Name: "Stop container", Risk: models.RiskHigh,
			TargetScheme: models.SchemeDocker, Action: models.ActionStop, RequiresConfirmation: true,
			Description:    "Stop a running container.",
			ActionTemplate: "docker stop -t {{ .timeout }} {{ .target }}",
			TimeoutSeconds: 30,
		},
		{
			ID: "rem-prune-images", Name: "Prune images", Risk: models.RiskHigh,
			TargetScheme: models.SchemeDocker, Action: models.ActionPrune, RequiresConfirmation: true,
			Description:    "Remove dangling images on the host.",
			ActionTemplate: "docker image prune -f",
		},
		{
			ID: "diag-inspect-vm", Name: "Inspect VM", Risk: models.RiskLow,
			TargetScheme: models.SchemeProxmox, Action: models.ActionInspect, ReadOnly: true,
			Description:    "Read VM status from the Proxmox API.",
			ActionTemplate: "GET /nodes/{{ .node }}/qemu/{{ .vmid }}/status/current",
		},
		{
			ID: "rem-restart-vm", Name: "Reboot VM", Risk: models.RiskHigh,
			TargetScheme: models.SchemeProxmox, Action: models.ActionRestart, RequiresConfirmation: true,
			Description:    "Reboot a VM through the Proxmox API.",
			ActionTemplate: "POST /nodes/{{ .node }}/qemu/{{ .vmid }}/status/reboot",
			TimeoutSeconds: 120,
		},
		{
			ID: "rem-snapshot-vm", Name: "Snapshot VM", Risk: models.RiskHigh,
			TargetScheme: models.SchemeProxmox, Action: models.ActionSnap, RequiresConfirmation: true,
			Description:    "Take a named VM snapshot.",
			ActionTemplate: "POST /nodes/{{ .node }}/qemu/{{ .vmid }}/snapshot snapname={{ .snapname }}",
			RequiredParams: []string{"snapname"},
			TimeoutSeconds: 300,
		},
	}
}

// catalogFile is the YAML layout of WARDEN_SKILLS_FILE.
type catalogFile struct {
	Skills []models.Skill `yaml:"skills"`
}

// Catalog is the set of skills the runner can execute.
type Catalog struct {
	mu       sync.RWMutex
	skills   map[string]*models.Skill
	validate *validator.Validate
}

// NewCatalog validates and indexes skills.
func NewCatalog(skills ...models.Skill) (*Catalog, error) {
	c := &Catalog{skills: make(map[string]*models.Skill), validate: NewValidator()}
	for i := range skills {
		if err := c.Put(skills[i]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog returns the built-ins, overridden and extended by the YAML
// file at path when path is non-empty.
func LoadCatalog(path string) (*Catalog, error) {
	c, err := NewCatalog(BuiltinSkills()...)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills file: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse skills file %s: %w", path, err)
	}
	for _, s := range f.Skills {
		if err := c.Put(s); err != nil {
			return nil, fmt.Errorf("skills file %s: %w", path, err)
		}
	}
	log.Info().Str("path", path).Int("loaded", len(f.Skills)).Int("total", c.Len()).Msg("📚 Skill catalog loaded")
	return c, nil
}

// Put validates s and adds or replaces it.
func (c *Catalog) Put(s models.Skill) error {
	if err := c.validate.Struct(s); err != nil {
		return fmt.Errorf("invalid skill %q: %w", s.ID, err)
	}
	if err := CheckTemplate(s.ActionTemplate); err != nil {
		return fmt.Errorf("invalid skill %q: %w", s.ID, err)
	}
	c.mu.Lock()
	c.skills[s.ID] = &s
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the skill with id.
func (c *Catalog) Get(id string) (*models.Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[id]
	if !ok {
		return nil, false
	}
	cp := *s
	cp.RequiredParams = append([]string(nil), s.RequiredParams...)
	return &cp, true
}

// List returns all skills ordered by id.
func (c *Catalog) List() []models.Skill {
	c.mu.RLock()
	out := make([]models.Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, *s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of skills.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}

// Traits adapts the catalog to the policy engine's read-only classifier.
func (c *Catalog) Traits(skillID string) (readOnly, known bool) {
	s, ok := c.Get(skillID)
	if !ok {
		return false, false
	}
	return s.ReadOnly, true
}

// ContentHash is the SHA-256 of the skill's canonical JSON encoding. It
// links an execution and its audit entry to the exact definition that ran.
func ContentHash(s *models.Skill) string {
	raw, _ := json.Marshal(s)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
