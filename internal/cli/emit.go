package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/server/handlers"
	"github.com/watzon/funcbox/internal/triggers"
)

var (
	emitPayload string
	emitSync    bool
)

var emitCmd = &cobra.Command{
	Use:   "emit <Object.action>",
	Short: "Emit an application event",
	Long: `Emit an application event to the server.

By default the event is queued and evaluated by the event loop. With
--sync the matching triggers are evaluated before the command returns and
their outcomes are printed.

Examples:
  funcbox emit Order.created --payload '{"total":150}'
  funcbox emit Order.created --payload '{"total":50}' --sync`,
	Args: cobra.ExactArgs(1),
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVar(&emitPayload, "payload", "{}", "JSON object payload")
	emitCmd.Flags().BoolVar(&emitSync, "sync", false, "Evaluate triggers before returning")

	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	req, err := buildEmitRequest(args[0], emitPayload)
	if err != nil {
		return err
	}

	client := newAPIClient()
	if !emitSync {
		var ev events.Event
		if err := client.call(cmd.Context(), "POST", "/api/events", req, &ev); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as %s\n", ev.Name(), ev.ID)
		return nil
	}

	var resp struct {
		Event    string             `json:"event"`
		Matched  int                `json:"matched"`
		Fired    int                `json:"fired"`
		Outcomes []triggers.Outcome `json:"outcomes"`
	}
	if err := client.call(cmd.Context(), "POST", "/api/events?sync=true", req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s matched %d trigger(s), fired %d\n", resp.Event, resp.Matched, resp.Fired)
	for _, o := range resp.Outcomes {
		line := fmt.Sprintf("  %s %s -> %s: %s", o.TriggerID, o.State, o.FunctionID, o.Status)
		if o.Reason != "" {
			line += " (" + o.Reason + ")"
		}
		if o.Error != "" {
			line += " error: " + o.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func buildEmitRequest(name, payload string) (handlers.EmitRequest, error) {
	var req handlers.EmitRequest
	object, action, ok := strings.Cut(name, ".")
	if !ok || object == "" || action == "" {
		return req, fmt.Errorf("event must be <Object>.<action>, got %q", name)
	}
	req.Object, req.Action = object, action

	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
			return req, fmt.Errorf("--payload: invalid JSON object: %w", err)
		}
	}
	return req, nil
}
