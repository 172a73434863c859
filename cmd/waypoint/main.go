// Package main provides the waypoint CLI for running browser workflow
// automations from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entrhq/waypoint/pkg/config"
	"github.com/entrhq/waypoint/pkg/extraction"
	"github.com/entrhq/waypoint/pkg/llm/openai"
	"github.com/entrhq/waypoint/pkg/session"
	"github.com/entrhq/waypoint/pkg/workflow"
)

const version = "0.1.0"

var (
	flagConfig    string
	flagModel     string
	flagOutputDir string
	flagHeadful   bool
	flagQuiet     bool
)

func main() {
	root := &cobra.Command{
		Use:           "waypoint",
		Short:         "LLM-driven browser workflow automation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default ~/.waypoint/config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflow,
	}
	runCmd.Flags().StringVar(&flagModel, "model", "", "override the completion model")
	runCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "override where save steps write files")
	runCmd.Flags().BoolVar(&flagHeadful, "headful", false, "launch the browser with a visible window")
	runCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "suppress event output")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Check a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("workflow %q is valid (%d top-level steps)\n", wf.Name, len(wf.Steps))
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagModel != "" {
		cfg.LLM.Model = flagModel
	}
	if flagOutputDir != "" {
		cfg.OutputDir = flagOutputDir
	}
	if flagHeadful {
		cfg.Browser.Headless = false
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key configured: set llm.apiKey or OPENAI_API_KEY")
	}

	wf, err := workflow.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	clientOpts := []openai.Option{
		openai.WithModel(cfg.LLM.Model),
		openai.WithRequestsPerSecond(cfg.LLM.RequestsPerSecond),
	}
	if cfg.LLM.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	client, err := openai.NewClient(cfg.LLM.APIKey, clientOpts...)
	if err != nil {
		return err
	}

	sessions := session.NewManager(
		session.WithHeadless(cfg.Browser.Headless),
		session.WithIdleTimeout(cfg.Browser.IdleTimeout),
		session.WithAdmissionController(session.NewAdmissionController(
			session.WithMaxCreatesPerMinute(cfg.Limits.MaxCreatesPerMinute),
			session.WithMaxConcurrentSessions(cfg.Limits.MaxConcurrentSessions),
		)),
	)
	if err := sessions.Initialize(); err != nil {
		return err
	}
	defer sessions.Shutdown()

	renderer := newRenderer(os.Stdout, flagQuiet)
	engine := extraction.NewEngine(client,
		extraction.WithModel(cfg.LLM.Model),
		extraction.WithVisionModel(cfg.LLM.VisionModel),
	)
	runner := workflow.NewRunner(client, sessions,
		workflow.WithModel(cfg.LLM.Model),
		workflow.WithExtractionEngine(engine),
		workflow.WithOutputDir(cfg.OutputDir),
		workflow.WithEventHandler(renderer.Handle),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		runner.Abort(context.Background())
	}()

	result, err := runner.Run(ctx, wf)
	if err != nil {
		return err
	}

	renderer.Summary(result)
	if !result.Success {
		return fmt.Errorf("workflow finished with status %s", result.Status)
	}
	return nil
}
