package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration for fnrelease.
type Config struct {
	ServiceName    string `yaml:"serviceName" validate:"required"`
	ServiceVersion string `yaml:"serviceVersion" validate:"required"`

	// Environment is attached to trace resources (dev, staging, prod).
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enableCaller"`

	// Sampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool `yaml:"enableSampling"`
	SamplingInitial    int  `yaml:"samplingInitial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"samplingThereafter" validate:"gte=0"`

	// TimeFormat is one of unix, unixms, unixmicro, rfc3339 or kitchen
	// (console only).
	TimeFormat string `yaml:"timeFormat"`
}

// TracingConfig configures distributed tracing of release runs.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	SamplingRate       float64           `yaml:"samplingRate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"maxExportBatchSize" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"exportTimeout"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves Path over HTTP. Empty keeps metrics in-process.
	ListenAddress string `yaml:"listenAddress"`
	Path          string `yaml:"path" validate:"omitempty,startswith=/"`

	Namespace               string    `yaml:"namespace"`
	DefaultHistogramBuckets []float64 `yaml:"defaultHistogramBuckets"`
}

// EventsConfig configures the usage event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`

	// BufferSize bounds the async queue; a full queue drops events.
	BufferSize int `yaml:"bufferSize" validate:"required_if=Enabled true,gte=0"`

	EnableAsync bool `yaml:"enableAsync"`
}

var validate = validator.New()

// DefaultConfig returns a default telemetry configuration. Logs go to stderr
// so plan and report output on stdout stays clean.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fnrelease",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "fnrelease",
			DefaultHistogramBuckets: []float64{
				0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1500,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s)", fe.Namespace(), fe.Value(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
