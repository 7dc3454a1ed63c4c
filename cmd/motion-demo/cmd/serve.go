package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/motionhq/motion"
	"github.com/motionhq/motion/internal/config"
	"github.com/motionhq/motion/internal/logging"
	"github.com/motionhq/motion/internal/metrics"
	"github.com/motionhq/motion/internal/store"
)

var processUpdates bool

var serveCounterCmd = &cobra.Command{
	Use:   "serve-counter",
	Short: "Serve the counter component over HTTP until interrupted",
	RunE:  runServeCounter,
}

func init() {
	serveCounterCmd.Flags().BoolVar(&processUpdates, "process-updates", false, "run the update route as a re-exec'd subprocess instead of a goroutine")
}

func runServeCounter(c *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !c.Flags().Changed("process-updates") {
		processUpdates = cfg.App.UpdateTaskType == "process"
	}

	logger := logging.New(cfg.Log)
	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	st := store.NewRedisStore(store.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, store.GobCodec{}, logger)
	defer st.Close()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	comp := counterComponent(processUpdates)
	inst, err := comp.Instance(ctx, cfg.App.InstanceID,
		motion.WithStore(st),
		motion.WithFlushOnExit(cfg.App.FlushOnExit),
		motion.WithCacheTTL(cfg.Cache.TTL),
		motion.WithCacheSize(cfg.Cache.Size),
		motion.WithRedisSocketTimeout(cfg.Redis.SocketTimeout),
		motion.WithLockTTL(cfg.Lock.TTL),
		motion.WithQueueHighWaterMark(cfg.Queue.HighWaterMark),
		motion.WithLogger(logger),
		motion.WithMetrics(metricsReg),
	)
	if err != nil {
		return fmt.Errorf("construct instance: %w", err)
	}

	registry := motion.NewInstanceRegistry(logger)
	registry.Register(inst)

	mux := http.NewServeMux()
	mux.HandleFunc("/add", addHandler(inst))
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	logger.Info("motion-demo listening", "addr", cfg.Metrics.Addr, "instance", inst.Name())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	registry.ShutdownAll(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func addHandler(inst *motion.Instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			V int `json:"v"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		result, err := inst.Run(ctx, "add", map[string]any{"v": body.V}, motion.WithFlushUpdateAfter())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "version": inst.GetVersion()})
	}
}
