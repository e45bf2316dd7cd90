package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"elm327-client/obd"
)

var clearConfirmed bool

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "Read or clear diagnostic trouble codes",
}

var dtcReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read stored trouble codes (mode 03)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, session *obd.Session) error {
			codes, err := session.ReadDTCs(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatDTCs(codes))
			return nil
		})
	},
}

var dtcClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear trouble codes and reset the MIL (mode 04)",
	Long: `Sends mode 04. This erases stored codes and freeze frame data and resets
readiness monitors, so it requires --yes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearConfirmed {
			return errors.New("refusing to clear trouble codes without --yes")
		}
		return withSession(cmd, func(ctx context.Context, session *obd.Session) error {
			if err := session.ClearDTCs(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), valueStyle.Render("Trouble codes cleared"))
			return nil
		})
	},
}

func init() {
	dtcClearCmd.Flags().BoolVarP(&clearConfirmed, "yes", "y", false, "Confirm clearing trouble codes")
	dtcCmd.AddCommand(dtcReadCmd, dtcClearCmd)
	rootCmd.AddCommand(dtcCmd)
}
