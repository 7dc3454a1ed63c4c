package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/motionhq/motion"
	"github.com/motionhq/motion/internal/config"
	"github.com/motionhq/motion/internal/logging"
	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/store"
)

var runAddV int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the counter component's add flow once and print the result",
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().IntVar(&runAddV, "v", 1, "value to add")
	rootCmd.AddCommand(runCmd)
}

func runOnce(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log)
	metricsReg := metrics.New(prometheus.NewRegistry())

	st := store.NewRedisStore(store.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, store.GobCodec{}, logger)
	defer st.Close()

	ctx := context.Background()
	comp := counterComponent(cfg.App.UpdateTaskType == "process")
	inst, err := comp.Instance(ctx, cfg.App.InstanceID,
		motion.WithStore(st),
		motion.WithFlushOnExit(cfg.App.FlushOnExit),
		motion.WithCacheTTL(cfg.Cache.TTL),
		motion.WithCacheSize(cfg.Cache.Size),
		motion.WithLockTTL(cfg.Lock.TTL),
		motion.WithLogger(logger),
		motion.WithMetrics(metricsReg),
	)
	if err != nil {
		return fmt.Errorf("construct instance: %w", err)
	}
	defer inst.Close()

	result, err := inst.Run(ctx, "add", map[string]any{"v": runAddV}, motion.WithFlushUpdateAfter())
	if err != nil {
		return fmt.Errorf("run add: %w", err)
	}

	fmt.Printf("result=%v version=%d\n", result, inst.GetVersion())
	return nil
}
