package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/funcbox/internal/server/handlers"
	"github.com/watzon/funcbox/internal/triggers"
)

// triggerInfo mirrors triggers.Info with the declaration left as a map,
// since its shape depends on the kind.
type triggerInfo struct {
	Seq       int64           `json:"seq"`
	Kind      triggers.Kind   `json:"kind"`
	State     triggers.State  `json:"state"`
	Persisted bool            `json:"persisted"`
	Trigger   map[string]any  `json:"trigger"`
	Status    triggers.Status `json:"status"`
}

func (ti *triggerInfo) id() string {
	id, _ := ti.Trigger["id"].(string)
	return id
}

// describe renders the event or schedule a trigger reacts to.
func (ti *triggerInfo) describe() string {
	str := func(k string) string {
		s, _ := ti.Trigger[k].(string)
		return s
	}
	if ti.Kind == triggers.KindEvent {
		on := str("object") + "." + str("action")
		if f := str("filter"); f != "" {
			on += " where " + f
		}
		return on
	}
	sched := str("schedule")
	if opts, ok := ti.Trigger["options"].(map[string]any); ok {
		for _, k := range []string{"day", "time", "timezone"} {
			if v, _ := opts[k].(string); v != "" {
				sched += " " + k + "=" + v
			}
		}
	}
	return sched
}

var (
	triggerKind     string
	triggerFunction string
	triggerJSON     bool

	triggerReq   handlers.CreateTriggerRequest
	triggerInput string
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage event and schedule triggers",
}

var triggersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers in registration order",
	RunE:  runTriggersList,
}

var triggersAddEventCmd = &cobra.Command{
	Use:   "add-event <function-id> <Object.action>",
	Short: "Invoke a function when a matching event is emitted",
	Long: `Invoke a function when a matching event is emitted.

Object and action accept * wildcards. The filter is a CEL expression over
the event payload, written with $ for the payload root.

Examples:
  funcbox triggers add-event notify Order.created --filter '$.total > 100'
  funcbox triggers add-event audit 'User.*'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := triggerReq
		req.FunctionID, req.On = args[0], args[1]
		return createTrigger(cmd, req)
	},
}

var triggersAddScheduleCmd = &cobra.Command{
	Use:   "add-schedule <function-id> <schedule>",
	Short: "Invoke a function on a cron or semantic schedule",
	Long: `Invoke a function on a schedule.

Schedules are five-field cron expressions or semantic intervals such as
$.Minutely, $.Hourly, $.Daily, $.Weekdays, $.Weekly, $.Monthly and $.Friday,
refined with --day, --time and --timezone.

Examples:
  funcbox triggers add-schedule report '$.Daily' --time 09:00 --timezone UTC
  funcbox triggers add-schedule sync '*/15 * * * *'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := triggerReq
		req.FunctionID, req.Every = args[0], args[1]
		if triggerInput != "" {
			if err := json.Unmarshal([]byte(triggerInput), &req.Input); err != nil {
				return fmt.Errorf("--input: invalid JSON object: %w", err)
			}
		}
		return createTrigger(cmd, req)
	},
}

var triggersRemoveCmd = &cobra.Command{
	Use:   "remove <trigger-id>",
	Short: "Remove a trigger and its schedule state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/triggers/" + url.PathEscape(args[0])
		if err := newAPIClient().call(cmd.Context(), "DELETE", path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed trigger %s\n", args[0])
		return nil
	},
}

func init() {
	triggersListCmd.Flags().StringVar(&triggerKind, "kind", "", "Only triggers of this kind (event or schedule)")
	triggersListCmd.Flags().StringVar(&triggerFunction, "function", "", "Only triggers invoking this function")
	triggersListCmd.Flags().BoolVar(&triggerJSON, "json", false, "Print JSON")

	for _, c := range []*cobra.Command{triggersAddEventCmd, triggersAddScheduleCmd} {
		c.Flags().StringVar(&triggerReq.ID, "id", "", "Trigger id (default: derived from the declaration)")
		c.Flags().StringVar(&triggerReq.Version, "version", "", "Function version to pin (default: latest)")
		c.Flags().IntVar(&triggerReq.Retry.MaxAttempts, "retries", 0, "Retries after a failed dispatch")
		c.Flags().DurationVar(&triggerReq.Retry.BaseDelay, "retry-delay", 0, "Delay before the first retry, doubled after each")
	}
	triggersAddEventCmd.Flags().StringVar(&triggerReq.Filter, "filter", "", "CEL filter over the payload, e.g. '$.total > 100'")
	triggersAddEventCmd.Flags().StringVar(&triggerReq.Context, "context", "", "CEL expression whose map result is merged into the input")
	triggersAddScheduleCmd.Flags().StringVar(&triggerReq.Options.Day, "day", "", "Weekday, day of month or MM-DD")
	triggersAddScheduleCmd.Flags().StringVar(&triggerReq.Options.Time, "time", "", "Time of day, HH:MM")
	triggersAddScheduleCmd.Flags().StringVar(&triggerReq.Options.Timezone, "timezone", "", "IANA timezone (default: scheduler.default_timezone)")
	triggersAddScheduleCmd.Flags().StringVar(&triggerInput, "input", "", "JSON object passed to the function")

	triggersCmd.AddCommand(triggersListCmd, triggersAddEventCmd, triggersAddScheduleCmd, triggersRemoveCmd)
	rootCmd.AddCommand(triggersCmd)
}

func createTrigger(cmd *cobra.Command, req handlers.CreateTriggerRequest) error {
	var info triggerInfo
	if err := newAPIClient().call(cmd.Context(), "POST", "/api/triggers", req, &info); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s trigger %s: %s\n", info.Kind, info.id(), info.describe())
	if info.Status.NextFireAt != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  next fire at %s\n", info.Status.NextFireAt.Format(time.RFC3339))
	}
	return nil
}

func runTriggersList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if triggerKind != "" {
		q.Set("kind", triggerKind)
	}
	if triggerFunction != "" {
		q.Set("function_id", triggerFunction)
	}
	path := "/api/triggers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Triggers []triggerInfo `json:"triggers"`
		Total    int           `json:"total"`
	}
	if err := newAPIClient().call(cmd.Context(), "GET", path, nil, &resp); err != nil {
		return err
	}
	if triggerJSON {
		return printJSON(cmd.OutOrStdout(), resp.Triggers)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tKIND\tFUNCTION\tON\tNEXT FIRE\tFIRED\tERRORS")
	for _, ti := range resp.Triggers {
		next := "-"
		if ti.Status.NextFireAt != nil {
			next = ti.Status.NextFireAt.Format(time.RFC3339)
		}
		fn, _ := ti.Trigger["function_id"].(string)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			ti.Seq, ti.id(), ti.Kind, fn, ti.describe(), next, ti.Status.FireCount, ti.Status.ErrorCount)
	}
	return w.Flush()
}
