package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tyemirov/taskdesk/internal/baas"
	"github.com/tyemirov/taskdesk/internal/retry"
	"go.uber.org/zap"
)

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the backend answers, retrying transient failures",
		RunE:  runProbe,
	}
}

func runProbe(command *cobra.Command, arguments []string) error {
	settings, err := loadBackendSettings()
	if err != nil {
		return err
	}
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	client, err := buildClient(settings, baas.NewMemorySessionStore(), logger)
	if err != nil {
		return err
	}
	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	executor := retry.NewExecutor(retry.WithLogger(logger))
	policy := retry.DefaultPolicy().WithShouldRetry(retry.IsRetryable)
	if probeErr := executor.Execute(ctx, policy, client.Probe); probeErr != nil {
		logger.Warn("backend unreachable",
			zap.String("code", "taskdesk.probe.failed"),
			zap.Error(probeErr))
		return fmt.Errorf("taskdesk.probe: %w", probeErr)
	}
	_, _ = fmt.Fprintf(command.OutOrStdout(), "backend reachable: %s\n", settings.BaseURL)
	return nil
}
