package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/operatorsync/internal/corrections"
)

func newCorrectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corrections",
		Short: "Inspect and export the ASR correction log",
	}
	cmd.AddCommand(
		newCorrectionsStatsCmd(),
		newCorrectionsAggregateCmd(),
		newCorrectionsExportCmd(),
		newCorrectionsCleanupCmd(),
	)
	return cmd
}

func newCorrectionsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print correction log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return writeJSONTo(cmd.OutOrStdout(), a.corrections.Stats(ctx))
			})
		},
	}
}

func newCorrectionsAggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Mine recurring terminology and correction rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetDuration("since")
			agentType, _ := cmd.Flags().GetString("agent-type")
			minFrequency, _ := cmd.Flags().GetInt("min-frequency")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result := a.corrections.Aggregate(ctx, corrections.AggregateOptions{
					Since:        sinceWindow(window, time.Now()),
					AgentType:    agentType,
					MinFrequency: minFrequency,
				})
				return writeJSONTo(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().Duration("since", 0, "Only consider corrections newer than this window (e.g. 168h)")
	cmd.Flags().String("agent-type", "", "Only consider corrections from this agent")
	cmd.Flags().Int("min-frequency", corrections.DefaultMinFrequency, "Minimum occurrences before a term or rule is reported")
	return cmd
}

func newCorrectionsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the training set for the Whisper fine-tuner",
		Long: `Export approved corrections as uploaded_corrections.json.

Examples:
  operatorsync corrections export                          # ./uploaded_corrections.json
  operatorsync corrections export --output - --require-audio`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			window, _ := cmd.Flags().GetDuration("since")
			approvedOnly, _ := cmd.Flags().GetBool("approved-only")
			requireAudio, _ := cmd.Flags().GetBool("require-audio")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				opts := corrections.ExportOptions{
					Since:        sinceWindow(window, time.Now()),
					ApprovedOnly: approvedOnly,
					RequireAudio: requireAudio,
				}
				if output == "-" {
					_, err := a.corrections.ExportTrainingSet(ctx, cmd.OutOrStdout(), opts)
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				n, err := a.corrections.ExportTrainingSet(ctx, f, opts)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return fmt.Errorf("export failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d corrections to %s\n", n, output)
				return nil
			})
		},
	}
	cmd.Flags().StringP("output", "o", "uploaded_corrections.json", "Output file, or - for stdout")
	cmd.Flags().Duration("since", 0, "Only export corrections newer than this window")
	cmd.Flags().Bool("approved-only", true, "Only export approved corrections")
	cmd.Flags().Bool("require-audio", false, "Only export corrections with an audio path")
	return cmd
}

func newCorrectionsCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention and size policy now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				removed, err := a.corrections.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d corrections\n", removed)
				return nil
			})
		},
	}
}

// sinceWindow turns a lookback window into an absolute lower bound. Zero
// means no bound.
func sinceWindow(window time.Duration, now time.Time) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}
