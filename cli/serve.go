package cli

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"weave.evalgo.org/api"
	"weave.evalgo.org/common"
	weavehttp "weave.evalgo.org/http"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/security"
	"weave.evalgo.org/version"
)

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the sync engine API server",
	Long: `Serves the HTTP API: token issuance, run triggering, job status and
cancellation, progress streaming and search.

With queue.url configured, triggered runs are enqueued for workers;
otherwise they execute inside this process. With redis.addr configured,
progress events bridge across processes so any API instance can stream
a run hosted elsewhere.`,
	Run: runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	log := common.Component("cli")

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	svcs, err := openServices(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize services")
	}
	defer svcs.Close()

	handlers := &api.Handlers{
		Sync:          svcs.sync,
		Syncs:         svcs.db.Syncs(),
		JWT:           security.NewJWTService(cfg.Security.JWTSecret),
		APIKeyHash:    cfg.Security.APIKeyHash,
		JWTExpiration: cfg.Security.JWTExpiration,
	}
	if cfg.Queue.URL != "" {
		q, err := queue.New(cfg.Queue)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to queue")
		}
		defer q.Close()
		handlers.Queue = q
	}

	serverCfg := weavehttp.DefaultServerConfig()
	serverCfg.Port = cfg.Server.Port
	serverCfg.Debug = cfg.Server.Debug
	if cfg.Server.ReadTimeout > 0 {
		serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	}
	// Zero means no write timeout; one would sever event streams.
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	if cfg.Server.ShutdownTimeout > 0 {
		serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	if len(cfg.Security.AllowedOrigins) > 0 {
		serverCfg.AllowedOrigins = cfg.Security.AllowedOrigins
	}

	e := weavehttp.NewEchoServer(serverCfg)
	e.Use(weavehttp.SecurityHeadersMiddleware())
	api.SetupRoutes(e, handlers, cfg.Service.Name, version.Version)

	go func() {
		if err := weavehttp.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	if err := weavehttp.GracefulShutdown(e, serverCfg.ShutdownTimeout); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
