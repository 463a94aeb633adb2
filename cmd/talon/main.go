package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/service"
	"github.com/talon-agent/talon/internal/domain/tool"
	"github.com/talon-agent/talon/internal/infrastructure/config"
	"github.com/talon-agent/talon/internal/infrastructure/contextfile"
	"github.com/talon-agent/talon/internal/infrastructure/logger"
	"github.com/talon-agent/talon/internal/infrastructure/monitoring"
	"github.com/talon-agent/talon/internal/infrastructure/provider"
	"github.com/talon-agent/talon/internal/infrastructure/session"
	"github.com/talon-agent/talon/internal/infrastructure/terminal"
	"github.com/talon-agent/talon/internal/interfaces/cli"
	"github.com/talon-agent/talon/internal/interfaces/httpapi"
)

const (
	appName    = "talon"
	appVersion = "0.3.0"
)

const defaultSystemPrompt = "You are a careful coding agent. Use the available tools to inspect " +
	"and modify the project; explain what you changed when you finish."

func main() {
	var (
		flagModel     string
		flagBaseURL   string
		flagEphemeral bool
	)

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Talon, an interactive coding agent",
		Long:  "Talon drives a provider-agnostic agentic loop: model call, tool dispatch, iterate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(flagModel, flagBaseURL, flagEphemeral)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "model id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "provider base URL or name (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagEphemeral, "ephemeral", false, "keep sessions in memory only")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flagModel, flagBaseURL, flagEphemeral)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "export <session-id>",
		Short: "Print one session's transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0])
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and provider reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(flagModel, flagBaseURL)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles everything the interfaces need.
type runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	gateway  *provider.Gateway
	workflow *service.Workflow
	store    session.Store
	metrics  *monitoring.Metrics
	close    func()
}

func buildRuntime(flagModel, flagBaseURL string, ephemeral, withInterrupt bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagModel != "" {
		cfg.Gateway.Model = flagModel
	}
	if flagBaseURL != "" {
		cfg.Gateway.BaseURL = flagBaseURL
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	if cfg.Gateway.ProvidersFile != "" {
		if err := registry.LoadOverlay(cfg.Gateway.ProvidersFile); err != nil {
			return nil, fmt.Errorf("provider overlay: %w", err)
		}
	}

	gateway, err := provider.NewGateway(provider.Options{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Model:        cfg.Gateway.Model,
		DebugDumpDir: cfg.Gateway.DebugDumpDir,
		Registry:     registry,
	}, log)
	if err != nil {
		return nil, err
	}

	var store session.Store
	if ephemeral {
		store = session.NewMemoryStore()
	} else {
		db, err := session.NewDB(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		store = session.NewGormStore(db, log)
	}

	metrics := monitoring.NewMetrics()
	hooks := service.NewHookChain(monitoring.NewMetricsHook(metrics))

	watcher := contextfile.NewWatcher(log)

	var interrupt func() bool
	if withInterrupt {
		interrupt = terminal.NewInterruptDetector(log).Poll
	}

	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	toolRegistry := tool.NewRegistry()
	conv := service.NewConversationManager(gateway.EstimateTokens, log)
	dispatcher := service.NewDispatcher(toolRegistry, log)
	workflow := service.NewWorkflow(
		gateway, toolRegistry, conv, dispatcher,
		gateway.RateTracker(), interrupt, hooks,
		service.WorkflowConfig{
			MaxIterations:    cfg.Agent.MaxIterations,
			SystemPrompt:     systemPrompt,
			SupportsRoleTool: gateway.Profile().SupportsRoleTool,
			LoadContextFiles: watcher.Load,
		},
		log,
	)

	return &runtime{
		cfg:      cfg,
		log:      log,
		gateway:  gateway,
		workflow: workflow,
		store:    store,
		metrics:  metrics,
		close: func() {
			_ = watcher.Close()
			_ = log.Sync()
		},
	}, nil
}

func runChat(flagModel, flagBaseURL string, ephemeral bool) error {
	rt, err := buildRuntime(flagModel, flagBaseURL, ephemeral, true)
	if err != nil {
		return err
	}
	defer rt.close()

	app := cli.NewApp(rt.workflow, rt.store, rt.cfg.Gateway.Model, rt.cfg.Agent.ContextFiles, rt.log)
	return app.Run(context.Background())
}

func runServe(flagModel, flagBaseURL string, ephemeral bool) error {
	rt, err := buildRuntime(flagModel, flagBaseURL, ephemeral, false)
	if err != nil {
		return err
	}
	defer rt.close()

	server := httpapi.NewServer(httpapi.Config{
		Host: rt.cfg.HTTP.Host,
		Port: rt.cfg.HTTP.Port,
		Mode: rt.cfg.HTTP.Mode,
	}, rt.workflow, rt.store, rt.metrics.Handler(), rt.log)

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func openStore() (session.Store, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{Level: "warn", Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	db, err := session.NewDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return session.NewGormStore(db, log), log, nil
}

func runSessions() error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	summaries, err := store.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-24s %4d msgs  %8d tokens  %s\n",
			s.ID, s.SelectedModel, s.MessageCount, s.TotalTokens,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runExport(id string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	raw, err := session.ExportJSON(store, id)
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runDoctor(flagModel, flagBaseURL string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		return err
	}
	fmt.Println("✓ config parsed")

	if flagModel != "" {
		cfg.Gateway.Model = flagModel
	}
	if flagBaseURL != "" {
		cfg.Gateway.BaseURL = flagBaseURL
	}

	if cfg.Gateway.APIKey == "" {
		fmt.Println("✗ no API key (set TALON_GATEWAY_API_KEY or gateway.api_key)")
	} else {
		fmt.Println("✓ API key present")
	}

	log, _ := logger.New(logger.Config{Level: "error", Format: "console"})
	gateway, err := provider.NewGateway(provider.Options{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Model:   cfg.Gateway.Model,
	}, log)
	if err != nil {
		fmt.Printf("✗ gateway: %v\n", err)
		return err
	}
	fmt.Printf("✓ provider resolved: %s\n", gateway.Profile().Name)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	window := gateway.ContextWindow(ctx, cfg.Gateway.Model)
	prompt := gateway.MaxPromptTokens(ctx, cfg.Gateway.Model)
	fmt.Printf("✓ model %s: context window %d, prompt budget %d\n",
		cfg.Gateway.Model, window, prompt)
	return nil
}
