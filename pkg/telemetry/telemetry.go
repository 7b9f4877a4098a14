// Package telemetry sets up tracing and the leveled log writer shared by all
// snapshot-manager commands.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Level is the severity of a log line, taken from its leading word.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[string]Level{
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARN":    LevelWarn,
	"WARNING": LevelWarn,
	"ERROR":   LevelError,
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Init configures tracing and returns the shutdown hook, an HTTP middleware
// and a logger for the named command.
//
// Spans are exported only when OTEL_EXPORTER_OTLP_ENDPOINT is set. Logs go to
// stderr so stdout stays free for command output. LOG_LEVEL (debug, info,
// warn, error) drops lines below the level; LOG_FORMAT=text switches from
// JSON lines to plain text.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, func(http.Handler) http.Handler, *log.Logger, error) {
	if serviceName == "" {
		return nil, nil, nil, errors.New("telemetry: service name is required")
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	w := NewLogWriter(serviceName, os.Stderr)
	if lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL")))]; ok {
		w.MinLevel = lvl
	}
	w.Text = strings.EqualFold(os.Getenv("LOG_FORMAT"), "text")

	return provider.Shutdown, requestLogger(serviceName, w), log.New(w, "", 0), nil
}

// requestLogger traces each request and writes one access line for it.
// Server errors log as ERROR and client errors as WARN.
func requestLogger(serviceName string, w *LogWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inner := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			level := LevelInfo
			switch {
			case rec.status >= 500:
				level = LevelError
			case rec.status >= 400:
				level = LevelWarn
			}
			var traceID string
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				traceID = sc.TraceID().String()
			}
			msg := fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
			if err := w.Log(level, msg, traceID); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry: write request log: %v\n", err)
			}
		})
		return otelhttp.NewHandler(inner, serviceName)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// newTraceExporter accepts either a bare host:port (plain HTTP) or a URL.
func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if p := strings.TrimSuffix(u.Path, "/"); p != "" {
		opts = append(opts, otlptracehttp.WithURLPath(p))
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// LogWriter turns lines written by a *log.Logger into leveled records. The
// level is read from the first word of each line ("WARN upload failed").
type LogWriter struct {
	MinLevel Level
	Text     bool

	mu      sync.Mutex
	service string
	out     io.Writer
	now     func() time.Time
}

// NewLogWriter returns a JSON writer for service at info level.
func NewLogWriter(service string, out io.Writer) *LogWriter {
	if out == nil {
		out = os.Stderr
	}
	return &LogWriter{MinLevel: LevelInfo, service: service, out: out, now: time.Now}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	level, msg := parseLevel(string(p))
	if err := w.Log(level, msg, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

type logEntry struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id,omitempty"`
}

// Log writes one record unless level is below MinLevel.
func (w *LogWriter) Log(level Level, msg, traceID string) error {
	if level < w.MinLevel {
		return nil
	}
	ts := w.now().UTC()

	var line []byte
	if w.Text {
		line = []byte(fmt.Sprintf("%s %-5s %s\n", ts.Format(time.DateTime), level, msg))
	} else {
		data, err := json.Marshal(logEntry{
			TS:      ts.Format(time.RFC3339Nano),
			Level:   level.String(),
			Service: w.service,
			Msg:     msg,
			TraceID: traceID,
		})
		if err != nil {
			return err
		}
		line = append(data, '\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.out.Write(line)
	return err
}

// parseLevel splits "LEVEL msg", "[level] msg" or "level: msg". Lines without
// a recognised level are INFO.
func parseLevel(line string) (Level, string) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	word = strings.TrimSuffix(word, ":")
	if strings.HasPrefix(word, "[") && strings.HasSuffix(word, "]") {
		word = word[1 : len(word)-1]
	}
	if lvl, ok := levelNames[strings.ToUpper(word)]; ok {
		return lvl, strings.TrimSpace(rest)
	}
	return LevelInfo, line
}
