package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	hosts        []string
	groups       []string
	fromVariable string
	credentialID string
	variables    []string
	timeout      string
	actorName    string
)

func main() {
	root := &cobra.Command{
		Use:   "playbookctl",
		Short: "CLI client for the playbookd execution engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")

	submitCmd := &cobra.Command{
		Use:   "submit [playbook-id]",
		Short: "Launch a playbook execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringSliceVar(&hosts, "host", nil, "Target host id (repeatable)")
	submitCmd.Flags().StringSliceVar(&groups, "group", nil, "Target group id (repeatable)")
	submitCmd.Flags().StringVar(&fromVariable, "from-variable", "", "Resolve targets from a variable's address list")
	submitCmd.Flags().StringVar(&credentialID, "credential", "", "Credential id")
	submitCmd.Flags().StringSliceVarP(&variables, "var", "e", nil, "Variable as name=value (repeatable)")
	submitCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout (e.g. 30m)")
	submitCmd.Flags().StringVar(&actorName, "actor", "", "Submitting user recorded in history")
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [task-id]",
		Short: "Show one execution, live or archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/tasks/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and running executions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/tasks")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "terminate [task-id]",
		Short: "Request a forced stop of a running execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runTerminate,
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch [task-id]",
		Short: "Stream live output until the execution finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect archived executions",
	}
	historyCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived executions, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/history")
		},
	})
	historyCmd.AddCommand(&cobra.Command{
		Use:   "get [task-id]",
		Short: "Show one archived execution with full output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/history/" + args[0])
		},
	})
	historyCmd.AddCommand(&cobra.Command{
		Use:   "delete [task-id]",
		Short: "Permanently remove an archived execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON(http.MethodDelete, "/history/"+args[0], nil)
		},
	})
	historyCmd.AddCommand(&cobra.Command{
		Use:   "artifacts [task-id]",
		Short: "List the register captures of an archived execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/history/" + args[0] + "/artifacts")
		},
	})
	rerunCmd := &cobra.Command{
		Use:   "rerun [task-id]",
		Short: "Launch a fresh execution with an archived one's playbook and targets",
		Args:  cobra.ExactArgs(1),
		RunE:  runRerun,
	}
	rerunCmd.Flags().StringVar(&credentialID, "credential", "", "Credential id override")
	rerunCmd.Flags().StringVar(&actorName, "actor", "", "Submitting user recorded in history")
	historyCmd.AddCommand(rerunCmd)
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	vars := make(map[string]string, len(variables))
	for _, kv := range variables {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("variable %q is not name=value", kv)
		}
		vars[name] = value
	}

	payload := map[string]any{
		"playbook_id": args[0],
		"targets": map[string]any{
			"hosts":         hosts,
			"groups":        groups,
			"from_variable": fromVariable,
		},
		"credential_id": credentialID,
		"variables":     vars,
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}
	if actorName != "" {
		payload["actor"] = map[string]string{"name": actorName}
	}

	return doJSON(http.MethodPost, "/tasks", payload)
}

func runTerminate(_ *cobra.Command, args []string) error {
	return doJSON(http.MethodDelete, "/tasks/"+args[0], nil)
}

func runRerun(_ *cobra.Command, args []string) error {
	payload := map[string]any{}
	if credentialID != "" {
		payload["credential_id"] = credentialID
	}
	if actorName != "" {
		payload["actor"] = map[string]string{"name": actorName}
	}
	return doJSON(http.MethodPost, "/history/"+args[0]+"/rerun", payload)
}

// runWatch consumes the SSE stream and prints output lines as they arrive.
// Returns once the terminal status event is seen.
func runWatch(_ *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/tasks/" + args[0] + "/stream")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e map[string]any
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %v", resp.StatusCode, e["error"])
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type   string `json:"type"`
			Line   string `json:"line"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "line":
			fmt.Println(ev.Line)
		case "stderr":
			fmt.Fprintln(os.Stderr, ev.Line)
		case "status":
			fmt.Fprintf(os.Stderr, "-- status: %s\n", ev.Status)
			switch ev.Status {
			case "completed":
				return nil
			case "partial", "failed":
				os.Exit(1)
			}
		}
	}
	return scanner.Err()
}

func getJSON(path string) error {
	return doJSON(http.MethodGet, path, nil)
}

func doJSON(method, path string, payload any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
