package run

import (
	"errors"
	"fmt"
	"time"
)

// Config defines the configuration of the run command.
type Config struct {
	Log      LogConfig
	Trace    TraceConfig
	Metrics  MetricsConfig
	Prefetch PrefetchConfig
}

type LogConfig struct {
	// Format is the log format to use: text or json.
	Format string

	// Level is the log level to use: none, debug, info, warn or error.
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string

	// MinLatency only exports batches that took at least this long.
	MinLatency time.Duration
}

type OTLPTraceConfig struct {
	Endpoint string
}

// MetricsConfig defines configurations for serving custom metrics from voxpipe.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type PrefetchConfig struct {
	// Workers is the number of batches requested at the same time.
	Workers int

	// Batches is the number of batches requested in total.
	Batches int
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "voxpipe",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:2112",
		},
		Prefetch: PrefetchConfig{
			Workers: 4,
			Batches: 10,
		},
	}
}

// Verify returns an error describing every invalid value of cfg.
func (cfg *Config) Verify() error {
	var errs []error
	if cfg.Prefetch.Workers < 1 {
		errs = append(errs, fmt.Errorf("prefetch workers must be positive, got %d", cfg.Prefetch.Workers))
	}
	if cfg.Prefetch.Batches < 0 {
		errs = append(errs, fmt.Errorf("the number of batches can not be negative, got %d", cfg.Prefetch.Batches))
	}
	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace sample ratio must be within [0, 1], got %v", cfg.Trace.SampleRatio))
	}
	if cfg.Trace.MinLatency < 0 {
		errs = append(errs, errors.New("trace min latency can not be negative"))
	}
	return errors.Join(errs...)
}
