package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/agentterm/backend/internal/audit"
	"github.com/agentterm/backend/internal/executor"
	"github.com/agentterm/backend/internal/infrastructure/config"
	"github.com/agentterm/backend/internal/infrastructure/logging"
	"github.com/agentterm/backend/internal/infrastructure/monitoring"
	"github.com/agentterm/backend/internal/sanitize"
	"github.com/agentterm/backend/internal/server"
	"github.com/agentterm/backend/internal/session"
	"github.com/agentterm/backend/internal/terminal"
)

func main() {
	policyPath := flag.String("policy", "", "Optional sanitizer policy YAML file")
	sessionCmd := flag.String("session-command", "claude", "CLI tool sessions drive")
	flag.Parse()

	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	var policy *sanitize.Policy
	if *policyPath != "" {
		policy, err = sanitize.LoadPolicy(*policyPath)
		if err != nil {
			logger.Fatal("failed to load sanitizer policy", zap.Error(err))
		}
	}

	sanitizer, err := sanitize.NewSanitizer(policy)
	if err != nil {
		logger.Fatal("failed to build sanitizer", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()
	auditLog := audit.NewLog(logger)
	auditLog.Instrument(metrics)
	isolator := audit.NewIsolator(logger)

	terminals := terminal.NewManager(cfg.Terminal.GracePeriod, logger)
	sessions := session.NewManager(terminals, session.Options{
		SessionsPerTask: cfg.Executor.SessionsPerTask,
		ReadTimeout:     cfg.Terminal.ReadTimeout,
		QuietPeriod:     cfg.Terminal.QuietPeriod,
		DefaultCols:     cfg.Terminal.Cols,
		DefaultRows:     cfg.Terminal.Rows,
		Registry:        isolator,
	}, logger)

	var extraEnv []string
	if policy != nil {
		extraEnv = policy.ExtraEnv
	}

	exec := executor.New(sessions, sanitizer, auditLog, isolator, metrics, logger, executor.Options{
		Executor:        cfg.Executor,
		RateLimit:       cfg.RateLimit,
		SessionCommand:  strings.Fields(*sessionCmd),
		ExtraAllowedEnv: extraEnv,
	})

	srv := server.New(exec, metrics, logger)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	logger.Info("execution engine listening", zap.String("addr", addr))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(addr); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutting down, terminating sessions")
		exec.Shutdown()
	case err := <-errChan:
		exec.Shutdown()
		logger.Fatal("server error", zap.Error(err))
	}
}
