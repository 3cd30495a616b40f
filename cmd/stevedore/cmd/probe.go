package cmd

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stevedore-io/stevedore/pkg/config"
	"github.com/stevedore-io/stevedore/pkg/endpoint"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
)

var probeRounds int

// NewProbeCmd creates the probe command for checking endpoint health
func NewProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe configured endpoints and report their health",
		Long: `Probe every configured upload endpoint and report latency,
availability and the composite weight used for selection.

Endpoints that fail enough probes get disabled automatically, the same
way they would during a real upload.

Examples:
  # Probe once with the endpoints from ~/.stevedore.yaml
  stevedore probe

  # Probe several rounds to build up availability scores
  stevedore probe --rounds 5`,
		RunE: runProbe,
	}

	cmd.Flags().IntVar(&probeRounds, "rounds", 1, "Number of probe rounds to run against each endpoint")

	return cmd
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfigFromFlags()
	if err != nil {
		return err
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured, add some with 'stevedore config init' and edit the file")
	}

	selector := endpoint.NewSelector(cfg.Selector, nil, logger, cfg.Candidates()...)
	defer selector.Close()

	logger.Info("probing endpoints", "count", len(cfg.Endpoints), "rounds", probeRounds)
	for i := 0; i < probeRounds; i++ {
		selector.Available(cmd.Context())
	}

	candidates := selector.Candidates()

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header(
		"ID",
		"URL",
		"Region",
		"Latency (ms)",
		"Availability",
		"Weight",
		"Enabled",
	)
	for _, c := range candidates {
		_ = table.Append(
			c.ID,
			c.URL,
			c.Region,
			fmt.Sprintf("%.0f", c.LatencyMs),
			fmt.Sprintf("%.2f", c.Availability),
			fmt.Sprintf("%.2f", c.Weight),
			fmt.Sprintf("%t", c.Enabled),
		)
	}
	_ = table.Render()

	quality := telemetry.QualityResult{Tier: telemetry.TierModerate}
	picked, err := selector.SelectOptimal(quality, candidates, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nWould pick: %s (%s)\n", picked.ID, picked.URL)

	return nil
}

func loadConfigFromFlags() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}
