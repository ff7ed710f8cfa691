package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
)

var auditConfigPath string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run an isolation audit over the full store",
	Long: `Audit every session-scoped record for cross-session references and print
the report as JSON. The command exits non-zero when a violation is found, so
it can back a cron alert or a CI gate.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runAudit(_ *cobra.Command, _ []string) error {
	sc, err := adminComponents(auditConfigPath)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	report, err := sc.Guard.Audit(context.Background(), sc.Store)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))

	if !report.Valid {
		return fmt.Errorf("isolation audit failed: %d violation(s)", len(report.Violations))
	}
	return nil
}
