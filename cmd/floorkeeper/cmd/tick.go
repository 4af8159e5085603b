package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// tickCmd runs a single orchestrator pass and exits, for cron-style
// deployments without the long-running engine.
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one evaluation pass and exit",
	RunE:  runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().String("scope", "", "restrict the pass to one scope")
}

func runTick(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()

	scope, _ := cmd.Flags().GetString("scope")
	if scope == "" {
		scope = rt.cfg.TickScope
	}

	summary, err := rt.orch.Tick(context.Background(), scope)
	if err != nil {
		return err
	}

	rt.logger.Info("tick finished",
		zap.Int("selected", summary.RulesSelected),
		zap.Int("skipped", summary.RulesSkipped),
		zap.Int("triggered", summary.RulesTriggered),
		zap.Int("errored", summary.RulesErrored))
	return nil
}
