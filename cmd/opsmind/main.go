// Command opsmind runs the orchestration and memory engine: a long-running
// serve mode with the cognition scheduler, plus one-shot commands mapping
// onto the synchronous core API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewline/opsmind/cognition"
	"github.com/crewline/opsmind/config"
	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/decision"
	"github.com/crewline/opsmind/engine"
	"github.com/crewline/opsmind/memory"
	"github.com/crewline/opsmind/memory/backend/memstore"
	"github.com/crewline/opsmind/memory/backend/sqlite"
	"github.com/crewline/opsmind/provider"
	"github.com/crewline/opsmind/provider/anthropic"
	"github.com/crewline/opsmind/provider/embedding"
	providermock "github.com/crewline/opsmind/provider/mock"
	"github.com/crewline/opsmind/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opsmind",
	Short: "Multi-worker orchestration and adaptive memory engine",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML)")
}

type app struct {
	cfg       *config.Config
	store     *memory.Store
	engine    *engine.Engine
	scheduler *cognition.Scheduler
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend memory.Backend
	if cfg.DBPath != "" {
		backend, err = sqlite.New(cfg.DBPath)
	} else {
		backend, err = memstore.New()
	}
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}

	store, err := memory.New(backend, embedding.NewFromEnv(), cfg.Memory)
	if err != nil {
		return nil, err
	}

	var reasoner provider.Reasoner
	switch cfg.Provider {
	case "anthropic":
		reasoner = anthropic.NewFromEnv()
	default:
		reasoner = &providermock.Reasoner{Script: []*provider.Reply{{Text: "ok"}}}
	}

	decisions := decision.New(store, cfg.Decision)
	registry := worker.NewRegistry()

	eng := engine.New(registry, store, decisions, reasoner,
		engine.WithEntryWorker(cfg.EntryWorker),
		engine.WithMaxSteps(cfg.MaxSteps),
		engine.WithStepTimeout(cfg.StepTimeout),
	)

	for _, w := range cfg.Workers {
		_, err := eng.RegisterLLMWorker(worker.Descriptor{
			Role:         w.Role,
			Description:  w.Description,
			Capabilities: w.Capabilities,
			Tools:        w.Tools,
			Profile:      worker.Profile{Model: w.Model, MaxTokens: w.MaxTokens},
		})
		if err != nil {
			return nil, err
		}
	}

	return &app{
		cfg:       cfg,
		store:     store,
		engine:    eng,
		scheduler: cognition.New(store, cfg.Cognition),
	}, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and cognition cycles until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			exitErr(err)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Submit one run through the orchestration graph",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		result := a.engine.SubmitRun(cmd.Context(), strings.Join(args, " "))
		printJSON(result)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Query the associative memory store",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		owner, _ := cmd.Flags().GetString("owner")
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		records, err := a.engine.QueryMemory(cmd.Context(), memory.QueryRequest{
			Text:     strings.Join(args, " "),
			Owner:    owner,
			Category: category,
			Limit:    limit,
		})
		if err != nil {
			exitErr(err)
		}
		printJSON(records)
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <type> <option>...",
	Short: "Make a decision over the given options",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		inputContext, _ := cmd.Flags().GetString("context")

		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		dec, err := a.engine.MakeDecision(cmd.Context(), decision.Request{
			Type:    args[0],
			Context: inputContext,
			Options: args[1:],
		})
		if err != nil {
			exitErr(err)
		}
		printJSON(dec)
	},
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <decision-id>",
	Short: "Report the outcome of a decision (exactly once)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		success, _ := cmd.Flags().GetBool("success")
		text, _ := cmd.Flags().GetString("outcome")

		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		if err := a.engine.ReportOutcome(cmd.Context(), args[0], text, success); err != nil {
			exitErr(err)
		}
		fmt.Println("ok")
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns [name]",
	Short: "Inspect mined decision patterns",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")

		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		if len(args) == 1 {
			p, err := a.store.Backend().GetPattern(cmd.Context(), args[0])
			if err != nil {
				exitErr(err)
			}
			printJSON(p)
			return
		}

		patterns, err := a.store.Backend().ListPatterns(cmd.Context(), core.PatternKind(kind))
		if err != nil {
			exitErr(err)
		}
		printJSON(patterns)
	},
}

var objectiveCmd = &cobra.Command{
	Use:   "objective <topic>",
	Short: "Open a learning objective for the synthesis cycle",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		priority, _ := cmd.Flags().GetFloat64("priority")

		a, err := buildApp()
		if err != nil {
			exitErr(err)
		}
		defer a.store.Close()

		if err := a.scheduler.AddObjective(cmd.Context(), strings.Join(args, " "), priority); err != nil {
			exitErr(err)
		}
		fmt.Println("ok")
	},
}

func main() {
	queryCmd.Flags().String("owner", "", "Filter by owner")
	queryCmd.Flags().String("category", "", "Filter by category")
	queryCmd.Flags().Int("limit", 10, "Max results")
	decideCmd.Flags().String("context", "", "Decision input context")
	outcomeCmd.Flags().Bool("success", false, "Outcome was a success")
	outcomeCmd.Flags().String("outcome", "", "Outcome description")
	patternsCmd.Flags().String("kind", "", "Filter by pattern kind")
	objectiveCmd.Flags().Float64("priority", 0.5, "Objective priority")

	rootCmd.AddCommand(serveCmd, runCmd, queryCmd, decideCmd, outcomeCmd, patternsCmd, objectiveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
