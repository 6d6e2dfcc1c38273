package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-trip-collab/pkg/protocol"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the event names the server relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range protocol.EventNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
