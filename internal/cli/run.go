package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/rediskv"
	"github.com/roach88/cascade/internal/scenario"
	"github.com/roach88/cascade/internal/store"
)

// redisPingTimeout bounds the connectivity check before a run.
const redisPingTimeout = 3 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	Redis      string
	Prefix     string
	ClockStart int64
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario and print its trace",
		Long: `Run a scenario and print the trace of notifications, sync traffic and
reads, followed by every container's final state.

With --db, containers are persisted to a SQLite database and hydrated from it
before the first step, so consecutive runs continue from the previous state.
--redis does the same against a Redis server, given as host:port or a
redis:// URL; entries live under --redis-prefix.

Examples:
  cascade run ./scenarios/diamond.yaml
  cascade run --format json ./scenarios/prefs_sync.yaml
  cascade run --db ./cascade.db ./scenarios/prefs_sync.yaml
  cascade run --redis 127.0.0.1:6379 ./scenarios/prefs_sync.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "persist containers to this SQLite database")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "persist containers to this Redis server (host:port or redis:// URL)")
	cmd.Flags().StringVar(&opts.Prefix, "redis-prefix", rediskv.DefaultPrefix, "key prefix for --redis")
	cmd.MarkFlagsMutuallyExclusive("db", "redis")
	cmd.Flags().Int64Var(&opts.ClockStart, "clock-start", scenario.DefaultClockStart, "initial clock time in milliseconds")

	return cmd
}

func runScenarioFile(opts *RunOptions, file string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	compiled, err := loadScenario(file)
	if err != nil {
		if GetExitCode(err) == ExitCommandError {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return err
		}
		_ = formatter.Error(ErrCodeValidation, "scenario invalid", validationIssues(err))
		return WrapExitError(ExitFailure, "scenario invalid", err)
	}

	runOpts := []scenario.Option{
		scenario.WithLogger(logger),
		scenario.WithClockStart(opts.ClockStart),
	}
	if opts.Database != "" {
		logger.Debug("opening database", "path", opts.Database)
		st, err := store.Open(opts.Database, store.WithLogger(logger))
		if err != nil {
			_ = formatter.Error(ErrCodeStorage, "failed to open database", err.Error())
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		runOpts = append(runOpts, scenario.WithStorage(st))
	}
	if opts.Redis != "" {
		logger.Debug("connecting to redis", "addr", opts.Redis)
		client, err := openRedis(cmd.Context(), opts.Redis)
		if err != nil {
			_ = formatter.Error(ErrCodeStorage, "failed to connect to redis", err.Error())
			return WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Error("error closing redis client", "error", closeErr)
			}
		}()
		runOpts = append(runOpts, scenario.WithStorage(rediskv.NewStorage(client, rediskv.WithPrefix(opts.Prefix))))
	}

	logger.Debug("running scenario", "name", compiled.Name, "steps", len(compiled.Steps))
	result, err := scenario.Run(compiled, runOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeRun, err.Error(), nil)
		return WrapExitError(ExitFailure, "scenario failed", err)
	}

	return formatter.Success(result)
}

// openRedis connects to addr, a host:port or a redis:// URL, and checks the
// server answers.
func openRedis(ctx context.Context, addr string) (*rediskv.GoRedisClient, error) {
	var client *rediskv.GoRedisClient
	if strings.Contains(addr, "://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		client = rediskv.WrapClient(redis.NewClient(o))
	} else {
		client = rediskv.NewGoRedisClient(addr)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}
