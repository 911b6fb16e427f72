package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/technosupport/ts-utm/internal/protocols"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols <file>",
	Short: "Validate a protocol file and print the effective protocol set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := protocols.LoadFile(args[0])
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("%s: no protocols found", args[0])
		}

		effective := protocols.Merge(append(protocols.Defaults(), list...))
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tSEVERITY\tACTION\tFALLBACK\tCONFIRM\tSOURCE")
		for _, p := range effective {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
				p.EmergencyType, p.Severity, p.ResponseAction, p.FallbackAction, p.RequiresConfirmation, p.Source)
		}
		return w.Flush()
	},
}
