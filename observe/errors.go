package observe

import "errors"

// Configuration errors.
var (
	// ErrMissingServiceName indicates Config.ServiceName is empty.
	ErrMissingServiceName = errors.New("observe: service name is required")

	// ErrInvalidSamplePct indicates Tracing.SamplePct is not in [0.0, 1.0].
	ErrInvalidSamplePct = errors.New("observe: sample percentage must be between 0.0 and 1.0")

	// ErrInvalidTracingExporter indicates an unknown tracing exporter name.
	ErrInvalidTracingExporter = errors.New("observe: unknown tracing exporter")

	// ErrInvalidMetricsExporter indicates an unknown metrics exporter name.
	ErrInvalidMetricsExporter = errors.New("observe: unknown metrics exporter")

	// ErrInvalidLogLevel indicates an unknown log level.
	ErrInvalidLogLevel = errors.New("observe: unknown log level")
)

// ErrMissingQueryKind indicates QueryMeta.Kind is empty.
var ErrMissingQueryKind = errors.New("observe: query kind is required")

// RedactedFields lists field keys that are automatically redacted in logs.
// Action parameters and function arguments may carry user data.
var RedactedFields = []string{
	"params",
	"parameters",
	"password",
	"secret",
	"token",
	"api_key",
	"apiKey",
	"credential",
}
