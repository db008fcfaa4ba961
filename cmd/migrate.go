package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loglineos/loglined/config"
	srv "github.com/loglineos/loglined/internal/server"
)

func migrateCMD() *cobra.Command {
	var cfgPath string
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			report, err := srv.RunMigration(cmd.Context(), cfg)
			for _, step := range report.Steps {
				line := fmt.Sprintf("%-22s %s", step.Name, step.Status)
				if step.Detail != "" {
					line += " (" + step.Detail + ")"
				}
				fmt.Println(line)
			}
			if err != nil {
				return err
			}
			fmt.Printf("migration completed in %s\n", report.Duration)
			return nil
		},
	}
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return migrate
}
