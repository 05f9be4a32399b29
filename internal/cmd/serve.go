package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbqueue/internal/config"
	"github.com/3leaps/pbqueue/internal/observability"
	"github.com/3leaps/pbqueue/internal/server"
	"github.com/3leaps/pbqueue/internal/server/handlers"
	"github.com/3leaps/pbqueue/pkg/jobqueue"
	"github.com/3leaps/pbqueue/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP status API",
	Long: `Serve job and queue status over HTTP.

Routes:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/queues
  GET /v1/queues/{kind}/jobs
  GET /v1/queues/{kind}/jobs/{id}
  GET /v1/queues/{kind}/jobs/{id}/log?tail=N`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default server.port)")
}

// settingsQueues opens queues from a fresh settings snapshot per request so
// worker overrides apply without restarting the server.
type settingsQueues struct {
	loader *config.Loader
}

func (s settingsQueues) Kinds() []string {
	st, err := s.loader.Load()
	if err != nil {
		observability.CLILogger.Warn("Failed to load settings", zap.Error(err))
		return nil
	}
	return st.WorkerNames()
}

func (s settingsQueues) Open(kind string) (*jobqueue.Store, *supervisor.Supervisor, error) {
	st, err := s.loader.Load()
	if err != nil {
		return nil, nil, err
	}
	k, err := st.Worker(kind)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", handlers.ErrUnknownQueue, kind)
	}
	logger := observability.CLILogger
	return jobqueue.NewStore(st.QueueDir(kind), logger), supervisor.New(k, logger), nil
}

// settingsChecker reports unhealthy when the settings file does not load.
type settingsChecker struct {
	loader *config.Loader
}

func (c settingsChecker) CheckHealth(ctx context.Context) error {
	_, err := c.loader.Load()
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader, err := settingsLoader()
	if err != nil {
		return err
	}
	s, err := loader.Load()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load settings", err)
	}

	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = s.Server.Host
	}
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = s.Server.Port
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("data_dir", handlers.DirChecker{Path: s.DataDir})
	health.RegisterChecker("settings", settingsChecker{loader: loader})

	srv := server.New(host, port,
		server.WithQueues(settingsQueues{loader: loader}),
		server.WithHealthManager(health),
		server.WithLogger(observability.CLILogger))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(ExitFailure, "Server failed", err)
	}
	return nil
}
