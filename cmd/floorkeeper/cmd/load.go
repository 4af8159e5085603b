package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/floorkeeper/floorkeeper/internal/core/config"
	"github.com/floorkeeper/floorkeeper/internal/core/db"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/store"
	"github.com/floorkeeper/floorkeeper/internal/types"
)

var loadCmd = &cobra.Command{
	Use:   "load <rules.json>",
	Short: "Validate and insert rule definitions from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().Bool("dry-run", false, "validate only, insert nothing")
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithFlags()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	var defs []*types.Rule
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("rules file %s contains no rules", args[0])
	}

	lists := rules.ValidationLists{
		Collections: config.StringSet(cfg.Collections),
		RecordTypes: config.StringSet(cfg.RecordTypes),
		Commands:    config.StringSet(cfg.Commands),
	}
	for _, rule := range defs {
		if err := rules.ValidateRule(rule, lists); err != nil {
			return err
		}
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		fmt.Printf("%d rules valid\n", len(defs))
		return nil
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	st, err := store.New(conn)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	ctx := context.Background()
	for _, rule := range defs {
		if rule.ID == "" {
			rule.ID = types.RuleID(uuid.Must(uuid.NewV7()).String())
		}
		if err := st.InsertRule(ctx, rule); err != nil {
			return err
		}
	}
	fmt.Printf("%d rules loaded\n", len(defs))
	return nil
}
