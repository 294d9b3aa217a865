// Command sidequestctl is a thin CLI client for the orchestrator's HTTP
// API: trigger, cancel, retry, and list jobs without hand-rolling curl
// invocations.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiBaseURL string
	apiToken   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sidequestctl",
		Short:         "Control client for the sidequest orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&apiBaseURL, "api", envOr("SIDEQUEST_API_URL", "http://localhost:8080"), "orchestrator API base URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SIDEQUEST_API_TOKEN"), "token sent as 'Authorization: Bearer <token>' on every request (no X-API-Key header is sent)")

	root.AddCommand(
		triggerCmd(),
		cancelCmd(),
		retryCmd(),
		listCmd(),
		statusCmd(),
	)
	return root
}

func triggerCmd() *cobra.Command {
	var dataFile string
	cmd := &cobra.Command{
		Use:   "trigger [pipeline]",
		Short: "Trigger a job on the given pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if dataFile != "" {
				body, err = os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("read data file: %w", err)
				}
			} else {
				body = []byte("{}")
			}
			return doRequest("POST", fmt.Sprintf("/api/pipelines/%s/trigger", args[0]), body)
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "", "path to a JSON file with job data")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [jobId]",
		Short: "Cancel a running or queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("POST", fmt.Sprintf("/api/jobs/%s/cancel", args[0]), nil)
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [jobId]",
		Short: "Force-retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("POST", fmt.Sprintf("/api/jobs/%s/retry", args[0]), nil)
		},
	}
}

func listCmd() *cobra.Command {
	var pipeline string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally scoped to one pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/jobs"
			if pipeline != "" {
				path = fmt.Sprintf("/api/pipelines/%s/jobs", pipeline)
			}
			return doRequest("GET", path, nil)
		},
	}
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "restrict listing to this pipeline")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [pipeline]",
		Short: "Show a pipeline's queue/active/completed counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("GET", fmt.Sprintf("/api/pipelines/%s/status", args[0]), nil)
		},
	}
}

func doRequest(method, path string, body []byte) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, apiBaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, string(respBody))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(respBody))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
