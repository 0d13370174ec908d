package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

func newEvaluateCmd(opts *globalOpts) *cobra.Command {
	var (
		mode       string
		skillsFile string
	)
	cmd := &cobra.Command{
		Use:   "evaluate <skill-id> <target>",
		Short: "Dry-run the policy engine",
		Long: `Evaluate one skill against one target with the policy configuration in
the environment (WARDEN_INTEGRATION_*, WARDEN_LAB_*). A denial is printed
and returned as a non-zero exit.

Example:
  WARDEN_LAB_ALLOWED_VMS=101 wardenctl evaluate rem-restart-vm proxmox://pve1/101 --mode lab`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := models.ParseExecutionMode(mode)
			if err != nil {
				return err
			}
			cat, err := skills.LoadCatalog(skillsFile)
			if err != nil {
				return err
			}
			target, err := skills.ParseTarget(args[1])
			if err != nil {
				return err
			}
			p, err := policy.NewProviderWithEnv(m, os.Getenv, policy.WithTraits(cat.Traits))
			if err != nil {
				return err
			}

			d := p.Evaluate(cmd.Context(), args[0], target.Type, target.PolicyID(), nil)
			if err := opts.print(cmd.OutOrStdout(), d); err != nil {
				return err
			}
			if !d.Allowed {
				return fmt.Errorf("denied: %s", d.PrimaryReason())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", envOr("WARDEN_MODE", "mock"), "Execution mode (mock, integration, lab)")
	cmd.Flags().StringVar(&skillsFile, "skills-file", os.Getenv("WARDEN_SKILLS_FILE"), "Optional YAML skill catalog")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
