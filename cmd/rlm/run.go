package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viplismism/rlm-cli/internal/config"
	"github.com/viplismism/rlm-cli/llm"
	"github.com/viplismism/rlm-cli/pyrepl"
	"github.com/viplismism/rlm-cli/rlmloop"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run --context FILE \"question\"",
		Short: "Run one question over a context file",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuestion,
	}
	cmd.Flags().StringVar(&flagContext, "context", "", "path to the context file (required)")
	cmd.Flags().StringVar(&flagTrajectory, "trajectory", "", "append progress events as JSON lines to this file")
	cmd.Flags().StringVar(&flagProvider, "provider", "", "completion provider (overrides config)")
	cmd.Flags().StringVar(&flagModel, "model", "", "model identifier (overrides config)")
	cmd.Flags().IntVar(&flagIterations, "max-iterations", 0, "iteration ceiling (overrides config)")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func runQuestion(cmd *cobra.Command, args []string) error {
	question := args[0]

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagProvider != "" {
		cfg.Provider = flagProvider
	}
	if flagModel != "" {
		cfg.Model = flagModel
		if cfg.SubQueryModel == "" {
			cfg.SubQueryModel = flagModel
		}
	}
	if flagIterations > 0 {
		cfg.MaxIterations = flagIterations
	}

	contextText, err := os.ReadFile(flagContext)
	if err != nil {
		return fmt.Errorf("read context file: %w", err)
	}

	var clientOpts []llm.Option
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, llm.WithAPIKey(cfg.APIKey))
	}
	if cfg.Model != "" {
		clientOpts = append(clientOpts, llm.WithModel(cfg.Model))
	}
	gollmClient, err := llm.NewGollmClient(cfg.Provider, clientOpts...)
	if err != nil {
		return fmt.Errorf("build completion client: %w", err)
	}
	policy := llm.DefaultRetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying completion", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	client := llm.NewRetryingClient(gollmClient, policy)

	channel := pyrepl.NewChannel(cfg.ChannelConfig(), logger.Named("pyrepl"))
	loop := rlmloop.NewLoop(cfg.LoopConfig(), client, channel, logger.Named("loop"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamEvents(cmd, loop.Events())
	}()

	result := loop.Run(ctx, string(contextText), question)
	wg.Wait()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, result.Answer)
	fmt.Fprintf(out, "\n[%d iterations, %d sub-queries, completed=%v]\n",
		result.Iterations, result.TotalSubQueries, result.Completed)
	// Non-completed results still carry an explanatory answer; only setup
	// failures exit nonzero, and those return before the loop runs.
	return nil
}

// streamEvents prints a one-line progress summary per event and, when
// --trajectory is set, appends each event verbatim as a JSON line.
func streamEvents(cmd *cobra.Command, events <-chan rlmloop.RunEvent) {
	var trajectory *json.Encoder
	if flagTrajectory != "" {
		f, err := os.OpenFile(flagTrajectory, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("trajectory file unavailable", zap.Error(err))
		} else {
			defer f.Close()
			trajectory = json.NewEncoder(f)
		}
	}

	errOut := cmd.ErrOrStderr()
	for ev := range events {
		if trajectory != nil {
			if err := trajectory.Encode(ev); err != nil {
				logger.Warn("trajectory write failed", zap.Error(err))
				trajectory = nil
			}
		}
		switch ev.Kind {
		case rlmloop.EventGeneratingCode:
			fmt.Fprintf(errOut, "[iteration %v/%v] generating code (sub-queries so far: %v)\n",
				ev.Data["iteration"], ev.Data["ceiling"], ev.Data["subquery_total"])
		case rlmloop.EventExecuting:
			fmt.Fprintf(errOut, "  executing %d bytes of code\n", len(fmt.Sprint(ev.Data["code"])))
		case rlmloop.EventSubQueryStart:
			fmt.Fprintf(errOut, "  sub-query %v over %v chars: %v\n",
				ev.Data["index"], ev.Data["context_length"], ev.Data["instruction"])
		case rlmloop.EventSubQueryDone:
			fmt.Fprintf(errOut, "  sub-query %v done in %vms\n", ev.Data["index"], ev.Data["elapsed_ms"])
		}
	}
}
