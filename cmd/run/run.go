// Package run contains the command pulling batches through a pipeline.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/voxpipe/voxpipe/pkg/logger"
	"github.com/voxpipe/voxpipe/pkg/pipeline"
	"github.com/voxpipe/voxpipe/pkg/pipelinedef"
	"github.com/voxpipe/voxpipe/pkg/request"
	"github.com/voxpipe/voxpipe/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Pull batches through a pipeline",
		Long: `Pull batches through a pipeline.

The request of the definition is sent to the output node once per batch, each time
with a seed derived from the run seed, by several workers at the same time.`,
		RunE: run,
		Args: cobra.ExactArgs(1),
	}

	bindRunFlags(cmd)
	return cmd
}

// ReadConfig returns the run configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/voxpipe', '$HOME/.voxpipe', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

func run(cmd *cobra.Command, args []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := config.Verify(); err != nil {
		return err
	}

	log, err := logger.NewLogger(config.Log.Format, config.Log.Level)
	if err != nil {
		return err
	}

	var reqOpts []request.Option
	if viper.IsSet("seed") {
		reqOpts = append(reqOpts, request.WithRandomSeed(viper.GetInt64("seed")))
	}

	runCtx := &RunContext{Logger: log, Out: cmd.OutOrStdout()}
	return runCtx.Run(cmd.Context(), config, args[0], reqOpts...)
}

type RunContext struct {
	Logger logger.Logger
	Out    io.Writer
}

// telemetryConfig returns the tracer provider spans are exported through. It
// must be closed to flush pending spans.
func (s *RunContext) telemetryConfig(config *Config, runID string) telemetry.TracerProvider {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s'", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint))

		return telemetry.MustNewTracerProvider(
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
			telemetry.WithMinTraceLatency(config.Trace.MinLatency),
			telemetry.WithRunID(runID),
		)
	}
	tp := telemetry.Noop()
	otel.SetTracerProvider(tp)
	return tp
}

// Run builds the pipeline defined at definitionPath and pulls the configured
// number of batches through it. It returns the errors of all failed batches.
func (s *RunContext) Run(ctx context.Context, config *Config, definitionPath string, reqOpts ...request.Option) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log := s.Logger.With(zap.String("run_id", runID))

	tp := s.telemetryConfig(config, runID)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		if err := tp.Close(ctx); err != nil {
			log.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			log.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					log.Error("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			log.Info("metrics server shut down.")
		}()

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				log.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
			}
		}()
	}

	def, err := pipelinedef.Load(definitionPath)
	if err != nil {
		return err
	}
	built, err := def.Build(ctx, pipelinedef.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Close(); err != nil {
			log.Warn("failed to close pipeline", zap.Error(err))
		}
	}()

	req, err := built.NewRequest(reqOpts...)
	if err != nil {
		return err
	}
	log.Info("starting run",
		zap.String("pipeline", def.Name),
		logger.Seed(req.RandomSeed()),
		zap.Int("batches", config.Prefetch.Batches),
		zap.Int("workers", config.Prefetch.Workers))

	prefetcher := pipeline.NewPrefetcher(built.Pipeline,
		pipeline.WithWorkers(config.Prefetch.Workers),
		pipeline.WithPrefetcherLogger(log))

	start := time.Now()
	var errs []error
	delivered := 0
	for result := range prefetcher.Stream(ctx, req, config.Prefetch.Batches) {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", result.Index, result.Err))
			continue
		}
		delivered++

		keys := make([]string, 0, result.Batch.Len())
		for _, key := range result.Batch.Keys() {
			keys = append(keys, key.String())
		}
		log.Debug("batch delivered", zap.Int("index", result.Index), zap.Uint64("batch_id", result.Batch.ID()))
		fmt.Fprintf(s.Out, "batch %d: %s\n", result.Index, strings.Join(keys, ", "))
	}

	elapsed := time.Since(start)
	log.Info("run finished", zap.Int("delivered", delivered), zap.Int("failed", len(errs)), zap.Duration("elapsed", elapsed))
	fmt.Fprintf(s.Out, "run %s: %d of %d batches delivered in %s\n", runID, delivered, config.Prefetch.Batches, elapsed.Round(time.Millisecond))
	return errors.Join(errs...)
}
