package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record views and conversions",
	Long: `Record outcomes for an experiment arm. The arm is 0/1, control/treatment
or inactive/active. Recording a conversion also runs the winner test.`,
}

var recordViewCmd = &cobra.Command{
	Use:   "view <experiment> <arm>",
	Short: "Record that an arm was served",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordView,
}

var recordConversionCmd = &cobra.Command{
	Use:   "conversion <experiment> <arm>",
	Short: "Record a conversion for an arm",
	Long: `Record a conversion for an arm. A conversion needs a matching view.

Examples:
  mbandit record conversion new-checkout treatment`,
	Args: cobra.ExactArgs(2),
	RunE: runRecordConversion,
}

func init() {
	recordCmd.AddCommand(recordViewCmd)
	recordCmd.AddCommand(recordConversionCmd)
}

func runRecordView(cmd *cobra.Command, args []string) error {
	return runRecord(cmd, args, false)
}

func runRecordConversion(cmd *cobra.Command, args []string) error {
	return runRecord(cmd, args, true)
}

func runRecord(cmd *cobra.Command, args []string, conversion bool) error {
	arm, err := domain.ParseArm(args[1])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, app *AppContext) error {
		exp, err := app.Engine.Resolve(ctx, args[0])
		if err != nil {
			return err
		}

		if !conversion {
			if err := app.Engine.RecordView(ctx, exp.ID, arm); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded view: %s %s\n", exp.Name, arm)
			return nil
		}

		if err := app.Engine.RecordConversion(ctx, exp.ID, arm); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded conversion: %s %s\n", exp.Name, arm)

		locked, err := app.Engine.Get(ctx, exp.ID)
		if err != nil {
			return err
		}
		if !exp.Locked() && locked.Locked() {
			fmt.Fprintf(cmd.OutOrStdout(), "Winner locked: %s\n", *locked.WinningArm)
		}
		return nil
	})
}
