package main

import (
	"fmt"

	"github.com/mrmushfiq/langroute/internal/shared/config"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage virtual keys",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new virtual key with default limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			caller, err := a.store.IssueCaller(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), caller.VirtualKey)
			return nil
		},
	}

	cmd.AddCommand(issueCmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the provider and model catalog",
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Upsert the YAML catalog into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if catalogPath == "" {
				catalogPath = cfg.CatalogPath
			}

			catalog, err := config.LoadCatalog(catalogPath)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}

			a, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.ApplyCatalog(cmd.Context(), catalog.ProviderRecords(), catalog.ModelRecords()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d providers and %d models from %s\n",
				len(catalog.Providers), len(catalog.Models), catalogPath)
			return nil
		},
	}
	loadCmd.Flags().StringVarP(&catalogPath, "config", "c", "", "path to catalog file (default $CONFIG_PATH)")

	cmd.AddCommand(loadCmd)
	return cmd
}
