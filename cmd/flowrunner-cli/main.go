// Package main provides a CLI for validating and running workflows locally and
// for driving a flowengine server.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/nodes"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/registry"
	"github.com/tcmartin/flowengine/pkg/runtime"
	"github.com/tcmartin/flowengine/pkg/state"
	"github.com/tcmartin/flowengine/pkg/storage"
	"github.com/tcmartin/flowengine/pkg/utils"
)

var (
	// Global flags
	serverURL string
	logLevel  string

	// run flags
	triggerData string
	runTimeout  time.Duration
	runMode     string
	showEvents  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "flowrunner-cli",
		Short:         "flowengine CLI",
		Long:          "Command-line interface for validating and running workflows and for talking to a flowengine server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FLOWENGINE_SERVER", "http://localhost:8080"), "Server URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level of local runs")

	validateCmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate workflow definitions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  validateWorkflows,
	}

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a workflow locally with in-memory storage and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflow,
	}
	runCmd.Flags().StringVar(&triggerData, "data", "", "Trigger data as a JSON object")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", time.Minute, "How long to wait for the execution")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Execution mode override (oneshot or persistent)")
	runCmd.Flags().BoolVar(&showEvents, "events", false, "Print execution events as they happen")

	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the built-in node types",
		RunE:  listNodeTypes,
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(strings.TrimSpace(loader.FlowSchema))
		},
	}

	rootCmd.AddCommand(validateCmd, runCmd, nodesCmd, schemaCmd)
	rootCmd.AddCommand(workflowCommands(), executionCommands(), stateCommands())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// newNodeRegistry returns a registry holding the built-in node types
func newNodeRegistry(logger logging.Logger) (*plugins.Registry, error) {
	reg := plugins.NewRegistry()
	if err := nodes.Register(reg, nodes.Options{Logger: logger}); err != nil {
		return nil, err
	}
	return reg, nil
}

func newLogger() (logging.Logger, error) {
	return logging.NewLogger(logging.LogConfig{
		Level:  logLevel,
		Format: "console",
		Output: "stderr",
	})
}

// validateWorkflows checks every file and reports each result
func validateWorkflows(cmd *cobra.Command, args []string) error {
	reg, err := newNodeRegistry(logging.NewNopLogger())
	if err != nil {
		return err
	}
	yamlLoader := loader.NewYAMLLoader(reg)

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yamlLoader.Validate(string(data)); err != nil {
			failed++
			fmt.Printf("%s: invalid\n  %s\n", path, strings.ReplaceAll(err.Error(), "\n", "\n  "))
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
	}
	return nil
}

// runWorkflow executes one definition in-process and prints the final execution
func runWorkflow(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	var trigger map[string]interface{}
	if triggerData != "" {
		if err := utils.ParseJSON(triggerData, &trigger); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout+5*time.Second)
	defer cancel()

	provider := storage.NewMemoryProvider()
	if err := provider.Initialize(ctx); err != nil {
		return err
	}
	defer provider.Close()

	reg, err := newNodeRegistry(logger)
	if err != nil {
		return err
	}
	catalog := registry.NewWorkflowCatalog(provider.Workflows(), registry.Options{
		YAMLLoader: loader.NewYAMLLoader(reg),
		Logger:     logger,
	})
	wf, err := catalog.Create(ctx, string(data))
	if err != nil {
		return err
	}

	bus := events.NewBus(events.Options{Logger: logger})
	engine := runtime.NewOrchestrator(runtime.Options{
		Workflows:    provider.Workflows(),
		Executions:   provider.Executions(),
		Nodes:        reg,
		State:        state.NewStore(provider.State(), logger),
		Bus:          bus,
		Logger:       logger,
		AwaitTimeout: runTimeout,
	})
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = engine.Shutdown(shutdownCtx)
	}()

	if showEvents {
		sub := bus.Subscribe(events.WorkflowStream(wf.ID))
		defer sub.Close()
		go printEvents(ctx, sub)
	}

	resp, err := engine.StartExecution(ctx, runtime.StartRequest{
		WorkflowID:  wf.ID,
		TriggerData: trigger,
		Source:      models.SourceManual,
		Mode:        models.ExecutionMode(runMode),
		Await:       true,
		Timeout:     runTimeout,
	})
	if err != nil {
		return err
	}

	if err := printJSON(resp.Execution); err != nil {
		return err
	}
	switch {
	case resp.TimeoutExceeded:
		return fmt.Errorf("execution %s did not finish within %s", resp.ExecutionID, runTimeout)
	case resp.Status == models.ExecutionStatusFailed:
		return fmt.Errorf("execution %s failed: %s", resp.ExecutionID, resp.Execution.ErrorMessage)
	}
	return nil
}

func printEvents(ctx context.Context, sub *events.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		line := fmt.Sprintf("%s %-20s", ev.Timestamp.Format("15:04:05.000"), ev.Type)
		if ev.NodeID != "" {
			line += " " + ev.NodeID
		}
		if ev.Status != "" {
			line += " " + ev.Status
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

// listNodeTypes prints the registered node types by category
func listNodeTypes(cmd *cobra.Command, args []string) error {
	reg, err := newNodeRegistry(logging.NewNopLogger())
	if err != nil {
		return err
	}
	list := reg.List()
	sort.Slice(list, func(i, j int) bool {
		if list[i].Category != list[j].Category {
			return list[i].Category < list[j].Category
		}
		return list[i].Type < list[j].Type
	})

	fmt.Printf("%-18s %-10s %s\n", "TYPE", "CATEGORY", "DESCRIPTION")
	for _, m := range list {
		fmt.Printf("%-18s %-10s %s\n", m.Type, m.Category, m.Description)
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
