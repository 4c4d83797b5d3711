package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile local workups with the Notion database",
		Long: `Run the workup reconciliation loop without the local API.

Examples:
  operatorsync sync --once            # One pass, report printed as JSON
  operatorsync sync --once --import   # Also adopt rows created in Notion
  operatorsync sync                   # Keep reconciling until interrupted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			importUnknown, _ := cmd.Flags().GetBool("import")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.engine == nil {
					return errSyncNotConfigured
				}
				if !once {
					return a.engine.Run(ctx)
				}
				out := map[string]any{}
				if importUnknown {
					imported, err := a.engine.ImportUnknown(ctx)
					if err != nil {
						return err
					}
					out["imported"] = imported
				}
				report, err := a.engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				out["report"] = report
				return writeJSONTo(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().Bool("once", false, "Run a single pass and exit")
	cmd.Flags().Bool("import", false, "Import remote rows no local workup tracks (with --once)")
	return cmd
}
