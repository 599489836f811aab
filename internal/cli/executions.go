package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/watzon/funcbox/internal/executions"
)

var (
	execStatus  string
	execTrigger string
	execLimit   int
	execJSON    bool
)

var executionsCmd = &cobra.Command{
	Use:   "executions [function-id]",
	Short: "List executions, newest first",
	Long: `List finished executions, newest first.

Examples:
  funcbox executions
  funcbox executions hello-world --status timed_out
  funcbox executions get 01928c7e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecutions,
}

var executionsGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show one execution record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec executions.Record
		path := "/api/executions/" + url.PathEscape(args[0])
		if err := newAPIClient().call(cmd.Context(), "GET", path, nil, &rec); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	executionsCmd.Flags().StringVar(&execStatus, "status", "", "Only executions with this status")
	executionsCmd.Flags().StringVar(&execTrigger, "trigger", "", "Only executions fired by this trigger id")
	executionsCmd.Flags().IntVar(&execLimit, "limit", 20, "Maximum records to show")
	executionsCmd.Flags().BoolVar(&execJSON, "json", false, "Print JSON")

	executionsCmd.AddCommand(executionsGetCmd)
	rootCmd.AddCommand(executionsCmd)
}

func runExecutions(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if len(args) == 1 {
		q.Set("function_id", args[0])
	}
	if execStatus != "" {
		q.Set("status", execStatus)
	}
	if execTrigger != "" {
		q.Set("trigger_id", execTrigger)
	}
	q.Set("limit", strconv.Itoa(execLimit))

	var resp struct {
		Executions []*executions.Record `json:"executions"`
	}
	if err := newAPIClient().call(cmd.Context(), "GET", "/api/executions?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	if execJSON {
		return printJSON(cmd.OutOrStdout(), resp.Executions)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tFUNCTION\tVERSION\tTRIGGER\tSTATUS\tDURATION\tSTARTED")
	for _, rec := range resp.Executions {
		duration := "-"
		if rec.DurationMs != nil {
			duration = strconv.FormatInt(*rec.DurationMs, 10) + "ms"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ExecutionID, rec.FunctionID, rec.FunctionVersion, rec.TriggerType,
			rec.Status, duration, rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
