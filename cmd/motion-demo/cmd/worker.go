package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/motionhq/motion/internal/config"
	"github.com/motionhq/motion/internal/logging"
	"github.com/motionhq/motion/internal/state"
	"github.com/motionhq/motion/internal/store"
	"github.com/motionhq/motion/internal/worker"
)

// workerCmd is the re-exec target internal/worker/process.go's
// ReexecArgs builds: a process-mode update worker's subprocess side. It
// is never meant to be typed by a human, only launched by the parent
// process with the exact argv ReexecArgs produces.
var workerCmd = &cobra.Command{
	Use:    "__motion_update_worker__ <instance-name> <flow-key> <func-name>",
	Hidden: true,
	Args:   cobra.ExactArgs(3),
	RunE:   runUpdateWorker,
}

func runUpdateWorker(_ *cobra.Command, args []string) error {
	instanceName, _, funcName := args[0], args[1], args[2]

	fn, ok := updateFuncs.Lookup(funcName)
	if !ok {
		return fmt.Errorf("motion-demo: no update function registered under %q", funcName)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log)

	st := store.NewRedisStore(store.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, store.GobCodec{}, logger)
	defer st.Close()

	container := state.New(st, instanceName, state.Config{
		LockTTL:            cfg.Lock.TTL,
		RedisSocketTimeout: cfg.Redis.SocketTimeout,
		Logger:             logger,
	})

	return worker.RunChild(context.Background(), os.Stdin, os.Stdout, container, fn)
}
