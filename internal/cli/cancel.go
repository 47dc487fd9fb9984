package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.postJSON("/v1/runs/"+args[0]+"/cancel", map[string]string{}, nil); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for run %s\n", args[0])
		return nil
	},
}
