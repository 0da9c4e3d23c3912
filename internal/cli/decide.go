package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:   "decide <flag>",
	Short: "Decide whether a flag is served active",
	Long: `Pick the arm for the next request on a flag using its active experiment.
Prints "active" or "inactive". Nothing is recorded unless --record is set.

Examples:
  mbandit decide checkout
  mbandit decide checkout --record`,
	Args: cobra.ExactArgs(1),
	RunE: runDecide,
}

var decideRecord bool

func init() {
	decideCmd.Flags().BoolVar(&decideRecord, "record", false, "Record a view for the chosen arm")
}

func runDecide(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		d, err := app.Engine.DecideFlag(ctx, args[0])
		if err != nil {
			return err
		}
		if decideRecord {
			if err := app.Engine.RecordView(ctx, d.ExperimentID, d.Arm); err != nil {
				return err
			}
		}

		state := "inactive"
		if d.Active() {
			state = "active"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", state, d.Arm, d.Phase)
		return nil
	})
}
