package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reloquent/tableshift/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		fmt.Println(titleStyle.Render("Current configuration"))
		fmt.Printf("  Migration dir:  %s\n", cfg.MigrationDir)
		fmt.Println()
		fmt.Printf("  Source:\n")
		fmt.Printf("    Type:         %s\n", cfg.Source.Type)
		fmt.Printf("    Host:         %s:%d\n", cfg.Source.Host, cfg.Source.Port)
		fmt.Printf("    Database:     %s\n", cfg.Source.Database)
		fmt.Printf("    Username:     %s\n", cfg.Source.Username)
		fmt.Printf("    Password:     %s\n", maskSecret(cfg.Source.Password))
		fmt.Println()
		fmt.Printf("  Target:\n")
		fmt.Printf("    Type:         %s\n", cfg.Target.Type)
		fmt.Printf("    Connection:   %s\n", maskSecret(cfg.Target.ConnectionString))
		fmt.Printf("    Database:     %s\n", cfg.Target.Database)
		fmt.Println()
		fmt.Printf("  Nodes:          %d configured\n", len(cfg.Nodes))
		for _, n := range cfg.Nodes {
			fmt.Printf("    %-12s %-11s connections %d\n", n.ID, n.Role, n.Connections)
		}
		fmt.Println()
		fmt.Printf("  Extraction:\n")
		if b := cfg.Extraction.Budget(); b > 0 {
			fmt.Printf("    Budget:       %s\n", humanize.IBytes(b))
		} else {
			fmt.Printf("    Budget:       unbatched\n")
		}
		fmt.Printf("    Connections:  %d per node\n", cfg.Extraction.ConnectionsPerNode)
		fmt.Printf("    Restarts:     %d\n", cfg.Extraction.RestartLimit)
		if cfg.Extraction.Command != "" {
			fmt.Printf("    Command:      %s\n", cfg.Extraction.Command)
		}
		if cfg.ObjectStore.Bucket != "" {
			fmt.Println()
			fmt.Printf("  Object store:   %s://%s/%s\n", providerName(cfg.ObjectStore.Provider), cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix)
			fmt.Printf("    Secret key:   %s\n", maskSecret(cfg.ObjectStore.SecretKey))
		}
		if w := cfg.BudgetWarning(); w != "" {
			fmt.Println()
			fmt.Println(warnStyle.Render("Warning: " + w))
		}
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		var problems []string
		if cfg.Source.Type == "" && cfg.Extraction.Command == "" {
			problems = append(problems, "source.type or extraction.command is required")
		}
		if cfg.Target.Type == "" {
			problems = append(problems, "target.type is required")
		}
		if cfg.Target.Type != "command" && cfg.Target.ConnectionString == "" {
			problems = append(problems, "target.connection_string is required")
		}
		if cfg.Load.ValidateUpload && cfg.ObjectStore.Bucket == "" {
			problems = append(problems, "load.validate_upload needs object_store.bucket")
		}

		if len(problems) > 0 {
			fmt.Println(errStyle.Render("Validation errors:"))
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			return fmt.Errorf("%d validation error(s)", len(problems))
		}
		fmt.Println(okStyle.Render("Configuration is valid."))
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.ExpandHome(config.DefaultPath)
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}
		cfg := &config.Config{
			Version:      config.CurrentVersion,
			MigrationDir: "~/.tableshift/migration",
			Source: config.SourceConfig{
				Type:     "postgresql",
				Host:     "localhost",
				Port:     5432,
				Username: "${ENV:TABLESHIFT_SOURCE_USER}",
				Password: "${ENV:TABLESHIFT_SOURCE_PASSWORD}",
			},
			Target: config.TargetConfig{
				Type:             "postgresql",
				ConnectionString: "${ENV:TABLESHIFT_TARGET_DSN}",
			},
			Extraction: config.ExtractionConfig{BudgetGB: 500, ConnectionsPerNode: 2},
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("Config written to " + path))
		return nil
	},
}

func maskSecret(s string) string {
	if strings.HasPrefix(s, "${") {
		return s
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func providerName(p string) string {
	if p == "" {
		return "s3"
	}
	return p
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
