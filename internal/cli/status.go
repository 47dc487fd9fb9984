package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/strandlabs/strand/pkg/dispatch"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var run dispatch.Run
		if err := client.getJSON("/v1/runs/"+args[0], &run); err != nil {
			return err
		}

		fmt.Printf("run:     %s\n", run.ID)
		fmt.Printf("agent:   %s\n", run.AgentID)
		fmt.Printf("status:  %s\n", run.Status)
		fmt.Printf("attempt: %d\n", run.Attempt)
		if run.ThreadID != "" {
			fmt.Printf("thread:  %s\n", run.ThreadID)
		}
		if run.ErrorCode != "" {
			fmt.Printf("error:   %s: %s\n", run.ErrorCode, run.ErrorMessage)
		}
		if run.Output != "" {
			fmt.Printf("output:\n%s\n", run.Output)
		}
		return nil
	},
}
