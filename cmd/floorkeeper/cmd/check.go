package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floorkeeper/floorkeeper/internal/core/config"
	"github.com/floorkeeper/floorkeeper/internal/core/db"
	"github.com/floorkeeper/floorkeeper/internal/rules"
	"github.com/floorkeeper/floorkeeper/internal/store"
)

// checkCmd validates every stored rule against the configured whitelists.
// Catches misconfigured rules offline instead of at evaluation time, where
// they would silently evaluate to false.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate all stored rules against the configured whitelists",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("rule", "", "check a single rule by code")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigWithFlags()
	if err != nil {
		return err
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

	lists := rules.ValidationLists{
		Collections: config.StringSet(cfg.Collections),
		RecordTypes: config.StringSet(cfg.RecordTypes),
		Commands:    config.StringSet(cfg.Commands),
	}

	ctx := context.Background()
	code, _ := cmd.Flags().GetString("rule")

	var toCheck []*checkTarget
	if code != "" {
		rule, err := st.GetRuleByCode(ctx, code)
		if err != nil {
			return err
		}
		toCheck = append(toCheck, &checkTarget{rule.Code, rules.ValidateRule(rule, lists)})
	} else {
		all, err := st.ListRules(ctx)
		if err != nil {
			return err
		}
		for _, rule := range all {
			toCheck = append(toCheck, &checkTarget{rule.Code, rules.ValidateRule(rule, lists)})
		}
	}

	problems := 0
	for _, t := range toCheck {
		if t.err != nil {
			problems++
			fmt.Printf("%-24s %v\n", t.code, t.err)
		}
	}
	if problems > 0 {
		return fmt.Errorf("%d of %d rules failed validation", problems, len(toCheck))
	}
	fmt.Printf("%d rules ok\n", len(toCheck))
	return nil
}

type checkTarget struct {
	code string
	err  error
}
