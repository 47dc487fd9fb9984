package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/runner"
)

var (
	runThreadID  string
	runRequestID string
	runModel     string
	runFollow    bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent-id> <input...>",
	Short: "Submit a run and optionally follow its events",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := dispatch.RunRequest{
			AgentID:   args[0],
			Input:     strings.Join(args[1:], " "),
			ThreadID:  runThreadID,
			RequestID: runRequestID,
			Model:     runModel,
		}

		var run dispatch.Run
		if err := client.postJSON("/v1/runs", req, &run); err != nil {
			return err
		}
		fmt.Printf("run %s submitted (agent %s)\n", run.ID, run.AgentID)

		if !runFollow {
			return nil
		}
		return followEvents(client, run.ID)
	},
}

func init() {
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "thread to group the run under")
	runCmd.Flags().StringVar(&runRequestID, "request-id", "", "idempotency key for the submission")
	runCmd.Flags().StringVar(&runModel, "model", "", "override the agent's model")
	runCmd.Flags().BoolVar(&runFollow, "follow", true, "stream run events until the run finishes")
}

func followEvents(client *apiClient, runID string) error {
	url := fmt.Sprintf("%s/v1/runs/%s/events?from_seq=0", client.wsBase(), runID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream closed unexpectedly: %w", err)
		}

		var ev runner.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev runner.Event) {
	switch ev.Kind {
	case runner.EventModelDelta:
		if text, ok := ev.Payload["text"].(string); ok {
			fmt.Print(text)
		}
	case runner.EventStatusChange:
		state, _ := ev.Payload["state"].(string)
		fmt.Printf("\n[%d] %s\n", ev.Seq, state)
	case runner.EventToolCall:
		name, _ := ev.Payload["name"].(string)
		fmt.Printf("\n[%d] tool call: %s\n", ev.Seq, name)
	case runner.EventToolResult:
		name, _ := ev.Payload["name"].(string)
		fmt.Printf("[%d] tool result: %s\n", ev.Seq, name)
	case runner.EventError:
		code, _ := ev.Payload["code"].(string)
		msg, _ := ev.Payload["message"].(string)
		fmt.Printf("\n[%d] error %s: %s\n", ev.Seq, code, msg)
	}
}
