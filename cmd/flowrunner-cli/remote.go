package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tcmartin/flowengine/pkg/utils"
)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// apiError is the error body returned by the server
type apiError struct {
	Error string `json:"error"`
}

// call sends a request to the server and returns the body of a 2xx response
func call(method, path, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func callJSON(method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	return call(method, path, "application/json", body)
}

// printBody pretty prints a JSON body
func printBody(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(prettyJSON.String())
	return nil
}

func workflowCommands() *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Workflow management on the server",
	}

	workflowCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List workflows",
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := call(http.MethodGet, "/api/v1/workflows", "", nil)
				if err != nil {
					return err
				}
				var list []struct {
					ID        string `json:"id"`
					Name      string `json:"name"`
					Version   int    `json:"version"`
					Status    string `json:"status"`
					NodeCount int    `json:"node_count"`
				}
				if err := json.Unmarshal(data, &list); err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Println("No workflows found")
					return nil
				}
				fmt.Printf("%-32s %-28s %-8s %-10s %s\n", "ID", "NAME", "VERSION", "STATUS", "NODES")
				for _, wf := range list {
					fmt.Printf("%-32s %-28s %-8d %-10s %d\n", wf.ID, wf.Name, wf.Version, wf.Status, wf.NodeCount)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create [file]",
			Short: "Create a workflow from a YAML definition",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				content, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				data, err := call(http.MethodPost, "/api/v1/workflows", "application/yaml", content)
				if err != nil {
					return err
				}
				return printBody(data)
			},
		},
		&cobra.Command{
			Use:   "update [id] [file]",
			Short: "Replace a workflow definition",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				content, err := os.ReadFile(args[1])
				if err != nil {
					return err
				}
				data, err := call(http.MethodPut, "/api/v1/workflows/"+url.PathEscape(args[0]), "application/yaml", content)
				if err != nil {
					return err
				}
				return printBody(data)
			},
		},
		&cobra.Command{
			Use:   "get [id]",
			Short: "Print a workflow definition as YAML",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := call(http.MethodGet, "/api/v1/workflows/"+url.PathEscape(args[0])+"?format=yaml", "", nil)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete [id]",
			Short: "Delete a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := call(http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(args[0]), "", nil); err != nil {
					return err
				}
				fmt.Println("Workflow deleted")
				return nil
			},
		},
	)
	return workflowCmd
}

func executionCommands() *cobra.Command {
	var (
		await   bool
		data    string
		mode    string
		source  string
		timeout string
	)

	executionCmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Executions on the server",
	}

	startCmd := &cobra.Command{
		Use:   "start [workflow-id]",
		Short: "Start an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{"await": await}
			if data != "" {
				var trigger map[string]interface{}
				if err := utils.ParseJSON(data, &trigger); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
				payload["trigger_data"] = trigger
			}
			if mode != "" {
				payload["mode"] = mode
			}
			if source != "" {
				payload["source"] = source
			}
			if timeout != "" {
				payload["timeout"] = timeout
			}
			body, err := callJSON(http.MethodPost, "/api/v1/workflows/"+url.PathEscape(args[0])+"/executions", payload)
			if err != nil {
				return err
			}
			return printBody(body)
		},
	}
	startCmd.Flags().BoolVar(&await, "await", false, "Wait for the execution to finish")
	startCmd.Flags().StringVar(&data, "data", "", "Trigger data as a JSON object")
	startCmd.Flags().StringVar(&mode, "mode", "", "Execution mode override (oneshot or persistent)")
	startCmd.Flags().StringVar(&source, "source", "", "Execution source, e.g. retry or webhook (default api)")
	startCmd.Flags().StringVar(&timeout, "timeout", "", "Await timeout, e.g. 30s")

	var triggerPayload string
	triggerCmd := &cobra.Command{
		Use:   "trigger [execution-id]",
		Short: "Re-enter a persistent execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if triggerPayload != "" {
				var trigger map[string]interface{}
				if err := utils.ParseJSON(triggerPayload, &trigger); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
				payload["trigger_data"] = trigger
			}
			body, err := callJSON(http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/trigger", payload)
			if err != nil {
				return err
			}
			return printBody(body)
		},
	}
	triggerCmd.Flags().StringVar(&triggerPayload, "data", "", "Trigger data as a JSON object")

	get := func(use, short, suffix string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [execution-id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0])+suffix, "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		}
	}

	executionCmd.AddCommand(
		startCmd,
		triggerCmd,
		get("status", "Show an execution", ""),
		get("iterations", "List the loop iterations of an execution", "/iterations"),
		get("logs", "Show the logs of an execution", "/logs"),
		get("results", "Show the results of an execution", "/results"),
		&cobra.Command{
			Use:   "stop [execution-id]",
			Short: "Stop an execution",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/stop", "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
		&cobra.Command{
			Use:   "list [workflow-id]",
			Short: "List the executions of a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodGet, "/api/v1/workflows/"+url.PathEscape(args[0])+"/executions", "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
	)
	return executionCmd
}

func stateCommands() *cobra.Command {
	var namespace string

	statePath := func(workflowID, key string) string {
		p := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/state"
		if key != "" {
			p += "/" + url.PathEscape(key)
		}
		if namespace != "" {
			p += "?namespace=" + url.QueryEscape(namespace)
		}
		return p
	}

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Workflow state on the server",
	}
	stateCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "State namespace")

	stateCmd.AddCommand(
		&cobra.Command{
			Use:   "list [workflow-id]",
			Short: "List the state keys of a workflow",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodGet, statePath(args[0], ""), "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
		&cobra.Command{
			Use:   "get [workflow-id] [key]",
			Short: "Read a state key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodGet, statePath(args[0], args[1]), "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
		&cobra.Command{
			Use:   "set [workflow-id] [key] [value]",
			Short: "Write a state key",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				value := utils.ParseValue(args[2])
				body, err := callJSON(http.MethodPut, statePath(args[0], args[1]), map[string]interface{}{"value": value})
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
		&cobra.Command{
			Use:   "delete [workflow-id] [key]",
			Short: "Delete a state key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, err := call(http.MethodDelete, statePath(args[0], args[1]), "", nil)
				if err != nil {
					return err
				}
				return printBody(body)
			},
		},
	)
	return stateCmd
}
