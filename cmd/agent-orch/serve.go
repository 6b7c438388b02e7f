package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-ci-orchestrator/internal/agentrun"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/classifier"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/clients"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/scenarios"
	"github.com/hochfrequenz/agent-ci-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-ci-orchestrator/web/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tasks := clients.NewHTTPAgentTaskClient(cfg.Clients.AgentAPIURL, cfg.Clients.AgentAPIToken, cfg.Clients.RequestTimeout())
	sandbox := clients.NewHTTPSandboxClient(cfg.Clients.SandboxURL, cfg.Clients.RequestTimeout())
	analysis := clients.NewHTTPStaticAnalysisClient(cfg.Clients.AnalysisURL, cfg.Clients.RequestTimeout())
	uieval := clients.NewHTTPUiEvaluationClient(cfg.Clients.UIEvalURL, cfg.Clients.RequestTimeout())
	source := clients.NewGHClient()
	loader := scenarios.NewLoader(cfg.General.ScenariosDir)

	agents := agentrun.New(st, tasks, classifier.NewHeuristic(), agentrun.Config{
		PollInterval:    cfg.Orchestrator.PollInterval(),
		BackoffCeiling:  cfg.Orchestrator.BackoffCeiling(),
		CallTimeout:     cfg.Orchestrator.CallTimeout(),
		MaxPollFailures: cfg.Orchestrator.MaxPollFailures,
		MonitorDeadline: cfg.Orchestrator.MonitorDeadline(),
	})
	pl := pipeline.New(st, sandbox, analysis, uieval, source, loader, pipeline.Config{
		MaxConcurrent:    cfg.Pipeline.MaxConcurrent,
		ScoreThreshold:   cfg.Pipeline.ScoreThreshold,
		MaxFixRetries:    cfg.Pipeline.MaxFixRetries,
		FixWait:          cfg.Pipeline.FixWait(),
		StepTimeout:      cfg.Pipeline.StepTimeout(),
		TransientRetries: cfg.Pipeline.TransientRetries,
	})

	// the two orchestrators reference each other through narrow interfaces
	agents.SetValidationStarter(pl)
	pl.SetAgentContinuer(agents)

	if cfg.Notifications.SlackWebhook != "" {
		slack := notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)
		agents.SetNotifier(slack)
		pl.SetNotifier(slack)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(st, agents, pl, addr)
	broadcast := func(event string, data interface{}) {
		server.Broadcast(api.Event{Type: event, Data: data})
	}
	agents.SetEventFunc(broadcast)
	pl.SetEventFunc(broadcast)

	if err := agents.Recover(); err != nil {
		log.Printf("Warning: agent run recovery: %v", err)
	}
	if err := pl.Recover(); err != nil {
		log.Printf("Warning: validation recovery: %v", err)
	}

	sweeper := maintenance.New(st, sandbox, cfg.Pipeline.SweepCron, cfg.Pipeline.StaleAfter())
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting maintenance sweeper: %w", err)
	}

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(watchPath, func(updated *config.Config) {
		// connection-level settings need a restart; notification and
		// threshold changes would apply to new work only
		log.Printf("Config file changed, some settings require a restart to take effect")
	})
	if err != nil {
		log.Printf("Warning: config watching disabled: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watcher != nil {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Listening on %s", addr)
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: HTTP shutdown: %v", err)
		}

		sweeper.Stop()
		pl.Shutdown()
		agents.Shutdown()
		return nil
	})

	return g.Wait()
}
