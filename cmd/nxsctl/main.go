// Command nxsctl is the operator CLI for a running NXS Fabric deployment:
// it wraps the Front Door's spec.md §6 HTTP surface (model/pipeline
// registration, session lifecycle, pin/unpin, monitoring) so an operator
// can drive the fabric without hand-rolling curl calls.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	addr   string
	apiKey string
)

func main() {
	root := &cobra.Command{
		Use:   "nxsctl",
		Short: "Operator CLI for an NXS Fabric Front Door",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "Front Door base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("NXS_API_KEY"), "X-API-Key header value")

	root.AddCommand(
		registerModelCmd(),
		registerPipelineCmd(),
		createSessionCmd(),
		deleteSessionCmd(),
		pinCmd(),
		unpinCmd(),
		monitoringCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register-model <file.json>",
		Short: "Register a ComponentModel from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postFile("/v2/models/register", args[0])
		},
	}
}

func registerPipelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register-pipeline <file.json>",
		Short: "Register a Pipeline from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postFile("/v2/pipelines/register", args[0])
		},
	}
}

func createSessionCmd() *cobra.Command {
	var extraParamsFile string
	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Open a new inference session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if extraParamsFile == "" {
				return postJSON("/v2/tasks/sessions/create", nil)
			}
			return postFile("/v2/tasks/sessions/create", extraParamsFile)
		},
	}
	cmd.Flags().StringVar(&extraParamsFile, "extra-params", "", "JSON file with {\"extra_params\": {...}}")
	return cmd
}

func deleteSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-session <session_uuid>",
		Short: "Close an inference session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v2/tasks/sessions/delete", map[string]string{"session_uuid": args[0]})
		},
	}
}

func pinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <pipeline_uuid> <fps>",
		Short: "Pin a pipeline's FPS at the Workload Manager",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fps, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse fps: %w", err)
			}
			return postJSON("/v2/pipelines/pin", map[string]any{"pipeline_uuid": args[0], "fps": fps})
		},
	}
}

func unpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <pipeline_uuid>",
		Short: "Remove a pin on a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/v2/pipelines/unpin", map[string]string{"pipeline_uuid": args[0]})
		},
	}
}

func monitoringCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "monitoring",
		Short: "Read fleet monitoring snapshots",
	}
	root.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "Show the per-backend throughput snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get("/v2/tasks/monitoring/backends")
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "scheduler",
		Short: "Show the scheduler's fleet placement snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get("/v2/tasks/monitoring/scheduler")
		},
	})
	return root
}

func postFile(path, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	return doRequest(http.MethodPost, path, data)
}

func postJSON(path string, body any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	return doRequest(http.MethodPost, path, data)
}

func get(path string) error {
	return doRequest(http.MethodGet, path, nil)
}

func doRequest(method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(respBody))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
