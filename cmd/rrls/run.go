package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n0madic/go-online-rls/config"
	"github.com/n0madic/go-online-rls/logging"
	"github.com/n0madic/go-online-rls/perf"
	"github.com/n0madic/go-online-rls/pretrain"
	"github.com/n0madic/go-online-rls/recorder"
	"github.com/n0madic/go-online-rls/rpc"
	"github.com/n0madic/go-online-rls/stream"
	"github.com/n0madic/go-online-rls/transport"
)

type runFlags struct {
	configPath    string
	input         string
	prediction    string
	performance   string
	rpcAddr       string
	pretrainPath  string
	pretrainCount int
	resume        string
	logLevel      string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the estimator over a sample stream",
		Long: `Run reads samples of d_in inputs followed by t targets, one per line, and
writes a prediction and the running normalized MSE for each of them.

Endpoints: "-" (stdin/stdout), "discard", a file path, tcp://host:port,
tcp-listen://host:port or serial:///dev/ttyUSB0?baud=115200.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, f)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f.resume, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&f.input, "input", "", "sample source (overrides io.input)")
	flags.StringVar(&f.prediction, "prediction", "", "prediction sink (overrides io.prediction)")
	flags.StringVar(&f.performance, "performance", "", "performance sink (overrides io.performance)")
	flags.StringVar(&f.rpcAddr, "rpc", "", `command server address, "off" disables it (overrides io.rpc_addr)`)
	flags.StringVar(&f.pretrainPath, "pretrain", "", "pretrain from this file (enables pretraining)")
	flags.IntVar(&f.pretrainCount, "pretrain-count", 0, "number of pretraining samples")
	flags.StringVar(&f.resume, "resume", "", "start from an estimator checkpoint instead of pretraining")
	flags.StringVar(&f.logLevel, "log-level", "", "log level (overrides log.level)")
	return cmd
}

// loadRunConfig reads the configuration file, if any, and applies flag
// overrides on top of it.
func loadRunConfig(cmd *cobra.Command, f runFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("input") {
		cfg.IO.Input = f.input
	}
	if changed("prediction") {
		cfg.IO.Prediction = f.prediction
	}
	if changed("performance") {
		cfg.IO.Performance = f.performance
	}
	if changed("rpc") {
		cfg.IO.RPCAddr = f.rpcAddr
		if f.rpcAddr == "off" {
			cfg.IO.RPCAddr = ""
		}
	}
	if changed("pretrain") {
		cfg.Pretrain.Enabled = true
		cfg.Pretrain.Path = f.pretrainPath
	}
	if changed("pretrain-count") {
		cfg.Pretrain.Count = f.pretrainCount
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires one streaming session together and blocks until it ends.
func run(ctx context.Context, cfg *config.Config, resume string, logger *zap.Logger) error {
	mapper, err := cfg.Mapper()
	if err != nil {
		return err
	}
	settings := stream.Settings{
		DIn:    cfg.General.DIn,
		T:      cfg.General.T,
		Lambda: cfg.General.Lambda,
	}
	var pm pretrain.FeatureMapper
	if mapper != nil {
		settings.Mapper = mapper
		pm = mapper
	}

	logger.Info("starting",
		zap.String("name", cfg.Name),
		zap.Int("d_in", settings.DIn),
		zap.Int("d", settings.D()),
		zap.Int("t", settings.T),
		zap.Float64("lambda", settings.Lambda),
		zap.String("mapping", cfg.General.Mapping))

	var res *pretrain.Result
	if resume != "" {
		est, err := stream.LoadCheckpoint(resume)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		res = &pretrain.Result{Estimator: est, Variance: perf.DefaultVariance(settings.T)}
		logger.Info("resuming from checkpoint", zap.String("path", resume), zap.Uint64("n_updates", est.NUpdates()))
	} else {
		opts, err := cfg.PretrainOptions()
		if err != nil {
			return err
		}
		if res, _, err = pretrain.Run(opts, pm, logger); err != nil {
			return err
		}
	}

	src, err := transport.OpenSource(cfg.IO.Input)
	if err != nil {
		return err
	}
	pred, err := transport.OpenSink(cfg.IO.Prediction)
	if err != nil {
		src.Close()
		return err
	}
	perfSink, err := transport.OpenSink(cfg.IO.Performance)
	if err != nil {
		src.Close()
		pred.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []stream.Option{
		stream.WithLogger(logger),
		stream.WithMetrics(stream.NewMetrics(reg)),
	}
	if cfg.Checkpoint.Path != "" {
		opts = append(opts, stream.WithCheckpoint(cfg.Checkpoint.Path, cfg.Checkpoint.Every))
	}

	var recRun *recorder.Run
	if cfg.Record.DB != "" {
		rec, err := recorder.Open(cfg.Record.DB)
		if err != nil {
			src.Close()
			pred.Close()
			perfSink.Close()
			return err
		}
		defer rec.Close()

		name := cfg.Record.RunName
		if name == "" {
			name = cfg.Name
		}
		summary := fmt.Sprintf("d_in=%d d=%d t=%d lambda=%g mapping=%s",
			settings.DIn, settings.D(), settings.T, settings.Lambda, cfg.General.Mapping)
		if recRun, err = rec.StartRun(ctx, name, summary); err != nil {
			src.Close()
			pred.Close()
			perfSink.Close()
			return err
		}
		opts = append(opts, stream.WithRecorder(recRun, recRun.ID))
		logger.Info("recording run", zap.String("db", cfg.Record.DB), zap.String("run_id", recRun.ID))
	}

	loop, err := stream.New(settings, src, pred, perfSink, opts...)
	if err != nil {
		src.Close()
		pred.Close()
		perfSink.Close()
		return err
	}
	if err := loop.Pretrain(res); err != nil {
		loop.Close()
		return err
	}

	rpcErr := make(chan error, 1)
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.IO.RPCAddr != "" {
		ln, err := net.Listen("tcp", cfg.IO.RPCAddr)
		if err != nil {
			loop.Close()
			return fmt.Errorf("command server: %w", err)
		}
		srv := rpc.NewServer(loop, reg, reg, logger)
		go func() { rpcErr <- srv.Serve(srvCtx, ln) }()
	}

	runErr := loop.Run(ctx)
	stopServer()

	if recRun != nil {
		if ferr := recRun.Finish(context.WithoutCancel(ctx), loop.Stats().Processed); ferr != nil {
			logger.Warn("failed to finish run record", zap.Error(ferr))
		}
	}

	stats := loop.Stats()
	logger.Info("stopped",
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("dropped", stats.Dropped),
		zap.Float64s("nmse", stats.NMSE))

	if cfg.IO.RPCAddr != "" {
		if err := <-rpcErr; err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("command server: %w", err))
		}
	}
	return runErr
}
