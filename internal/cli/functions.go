package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/invoker"
)

var (
	registerFile string

	getVersion string

	listTag     string
	listRuntime string
	listJSON    bool

	invokeParams    string
	invokeVersion   string
	invokeTimeout   float64
	invokeNoSandbox bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a function version",
	Long: `Register a function version from a YAML manifest or a JSON definition.

Manifests may reference their source with source.file; the file is read
relative to the manifest and sent inline. Triggers declared in the
manifest are registered with the function.

Examples:
  funcbox register -f functions/hello.yaml
  funcbox register -f hello.json`,
	RunE: runRegister,
}

var getCmd = &cobra.Command{
	Use:   "get <function-id>",
	Short: "Show a registered function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/functions/" + url.PathEscape(args[0])
		if getVersion != "" {
			path += "?version=" + url.QueryEscape(getVersion)
		}
		var reg functions.Registered
		if err := newAPIClient().call(cmd.Context(), "GET", path, nil, &reg); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), reg)
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <function-id>",
	Short: "List the registered versions of a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Versions []string `json:"versions"`
		}
		path := "/api/functions/" + url.PathEscape(args[0]) + "/versions"
		if err := newAPIClient().call(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return err
		}
		for _, v := range resp.Versions {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered functions at their latest version",
	RunE:  runList,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <function-id>",
	Short: "Invoke a function",
	Long: `Invoke a function and print the execution result.

Examples:
  funcbox invoke hello-world --params '{"name":"Developer"}'
  funcbox invoke report --version 1.2.0 --timeout 5`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	registerCmd.Flags().StringVarP(&registerFile, "file", "f", "", "Manifest (.yaml) or definition (.json) to register")
	_ = registerCmd.MarkFlagRequired("file")

	getCmd.Flags().StringVar(&getVersion, "version", "", "Version to show (default: latest)")

	listCmd.Flags().StringVar(&listTag, "tag", "", "Only functions with this tag")
	listCmd.Flags().StringVar(&listRuntime, "runtime", "", "Only functions with this runtime")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON")

	invokeCmd.Flags().StringVar(&invokeParams, "params", "", "JSON parameters passed to the handler")
	invokeCmd.Flags().StringVar(&invokeVersion, "version", "", "Version to invoke (default: latest)")
	invokeCmd.Flags().Float64Var(&invokeTimeout, "timeout", 0, "Timeout in seconds (default: the function's)")
	invokeCmd.Flags().BoolVar(&invokeNoSandbox, "no-sandbox", false, "Run the handler without isolation")

	rootCmd.AddCommand(registerCmd, getCmd, versionsCmd, listCmd, invokeCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	contentType, body, err := registrationBody(registerFile)
	if err != nil {
		return err
	}

	var resp struct {
		*functions.Registered
		Triggers []string `json:"triggers,omitempty"`
	}
	err = newAPIClient().send(cmd.Context(), "POST", "/api/functions", contentType, bytes.NewReader(body), &resp)
	if err != nil {
		return err
	}

	def := resp.Definition
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s@%s\n", def.ID, def.Metadata.Version)
	for _, id := range resp.Triggers {
		fmt.Fprintf(cmd.OutOrStdout(), "  trigger %s\n", id)
	}
	return nil
}

// registrationBody reads path and returns the request body to register it.
// Manifest source files are inlined since the server cannot read them.
func registrationBody(path string) (string, []byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("reading definition: %w", err)
		}
		if !json.Valid(data) {
			return "", nil, fmt.Errorf("%s: invalid JSON", path)
		}
		return "application/json", data, nil
	case ".yaml", ".yml":
		m, err := functions.LoadManifest(path)
		if err != nil {
			return "", nil, err
		}
		def, err := m.Definition(filepath.Dir(path))
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", path, err)
		}
		m.Source.Code = def.Source.Code
		m.Source.Language = def.Source.Language
		m.Source.File = ""
		m.Env = def.Metadata.Env

		data, err := yaml.Marshal(m)
		if err != nil {
			return "", nil, fmt.Errorf("encoding manifest: %w", err)
		}
		return "application/yaml", data, nil
	default:
		return "", nil, fmt.Errorf("%s: expected a .yaml, .yml or .json file", path)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listTag != "" {
		q.Set("tag", listTag)
	}
	if listRuntime != "" {
		q.Set("runtime", listRuntime)
	}
	path := "/api/functions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Functions []*functions.Registered `json:"functions"`
		Total     int                     `json:"total"`
	}
	if err := newAPIClient().call(cmd.Context(), "GET", path, nil, &resp); err != nil {
		return err
	}
	if listJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tRUNTIME\tSTATUS\tNAME")
	for _, reg := range resp.Functions {
		def := reg.Definition
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.ID, def.Metadata.Version, def.Metadata.Runtime, reg.Status, def.Metadata.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d function(s)\n", resp.Total)
	return nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	req, err := buildInvokeRequest(invokeParams, invokeVersion, invokeTimeout, invokeNoSandbox)
	if err != nil {
		return err
	}

	res, err := invoke(cmd.Context(), newAPIClient(), args[0], req)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success && res.Error != nil {
		return fmt.Errorf("execution %s failed: %s", res.Execution.ExecutionID, res.Error.Message)
	}
	return nil
}

func buildInvokeRequest(params, version string, timeout float64, noSandbox bool) (invoker.Request, error) {
	req := invoker.Request{Version: version}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &req.Params); err != nil {
			return req, fmt.Errorf("--params: invalid JSON: %w", err)
		}
	}
	if timeout < 0 {
		return req, fmt.Errorf("--timeout must not be negative")
	}
	req.Options.Timeout = timeout
	if noSandbox {
		off := false
		req.Options.Sandbox = &off
	}
	return req, nil
}

// invoke calls a function over the API. Handler failures are part of the
// result, not the error.
func invoke(ctx context.Context, c *apiClient, id string, req invoker.Request) (*invoker.Result, error) {
	var res invoker.Result
	err := c.call(ctx, "POST", "/api/functions/"+url.PathEscape(id)+"/invoke", req, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
