package run

import (
	"github.com/spf13/cobra"

	"github.com/voxpipe/voxpipe/cmd/util"
)

// bindRunFlags declares the flags of the run command and binds each of them,
// together with its VOXPIPE_* environment variable, to its config key.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in: text or json")
	util.MustBind(flags, "log-format", "log.format")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use: none, debug, info, warn or error")
	util.MustBind(flags, "log-level", "log.level")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBind(flags, "trace-enabled", "trace.enabled")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBind(flags, "trace-otlp-endpoint", "trace.otlp.endpoint")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of batches to trace")
	util.MustBind(flags, "trace-sample-ratio", "trace.sampleRatio")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBind(flags, "trace-service-name", "trace.serviceName")

	flags.Duration("trace-min-latency", defaultConfig.Trace.MinLatency, "only export traces of batches that took at least this long")
	util.MustBind(flags, "trace-min-latency", "trace.minLatency")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "serve prometheus metrics on the '/metrics' endpoint")
	util.MustBind(flags, "metrics-enabled", "metrics.enabled")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBind(flags, "metrics-addr", "metrics.addr")

	flags.Int("workers", defaultConfig.Prefetch.Workers, "the number of batches requested at the same time")
	util.MustBind(flags, "workers", "prefetch.workers")

	flags.Int("batches", defaultConfig.Prefetch.Batches, "the number of batches to request")
	util.MustBind(flags, "batches", "prefetch.batches")

	flags.Int64("seed", 0, "the seed batch seeds are derived from; defaults to the seed of the definition")
	util.MustBind(flags, "seed", "seed")
}
