// Package cli wires the sync engine into a command-line tool: an API
// server, a queue worker, direct sync execution with progress output,
// and job inspection. Configuration comes from files, environment
// variables and flags through the config package.
package cli

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"weave.evalgo.org/common"
	"weave.evalgo.org/config"
	"weave.evalgo.org/db"
	"weave.evalgo.org/sync"
)

var (
	cfgFile  string
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "weave",
	Short: "sync engine moving entities from sources into search destinations",
	Long: `WEAVE sync engine

Runs incremental syncs: entities stream from a source connector,
change detection drops everything already written, and the rest lands
in vector, graph and document destinations. Access control memberships
ride along so search results can be permission-trimmed.

The engine runs in three shapes:
- serve:     HTTP API for triggering runs, streaming progress and search
- worker:    consumes queued run requests from RabbitMQ
- sync run:  executes one sync in the foreground with progress output

Configuration is read from config.yaml (current directory, ./configs,
$HOME/.weave, /etc/weave), .env, and WEAVE_-prefixed environment
variables, with flags taking precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		common.Logger.SetLevel(level)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, $HOME/.weave, /etc/weave)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig("WEAVE", cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Service.Environment == "production" {
		common.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, nil
}

// services bundles the backends every engine shape needs: the state
// database and the sync service with its progress registry.
type services struct {
	db   *db.DB
	rdb  *redis.Client
	sync *sync.Service
}

func openServices(cfg *config.Config) (*services, error) {
	database, err := db.Connect(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var opts []sync.PubSubOption
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, sync.WithRedis(rdb))
	}
	pubsub := sync.NewPubSub(opts...)

	return &services{
		db:   database,
		rdb:  rdb,
		sync: sync.NewService(database, cfg, pubsub),
	}, nil
}

func (s *services) Close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	_ = s.db.Close()
}

// ExitCode maps a command error to the process exit status: 0 for
// success, 1 for validation failures, 3 for cancelled and 4 for timed
// out runs, 2 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case sync.IsValidation(err):
		return 1
	case errors.Is(err, sync.ErrJobCancelled):
		return 3
	case errors.Is(err, sync.ErrJobTimedOut):
		return 4
	default:
		return 2
	}
}
