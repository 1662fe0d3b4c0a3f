// Package history writes emitted capability updates to InfluxDB v2.
//
// Writes are non-blocking and batched by the client library; failures are
// delivered asynchronously and only logged.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"zigbee-arbiter/internal/coordinator"
)

const (
	measurement = "capability"

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	pingTimeout          = 5 * time.Second
)

var ErrConnectionFailed = errors.New("influxdb connection failed")

// Config selects the InfluxDB bucket. History is disabled when URL is empty.
type Config struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Enabled reports whether a server is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// PointWriter is the subset of api.WriteAPI the writer needs.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer converts capability updates into points.
type Writer struct {
	out    PointWriter
	close  func()
	logger *slog.Logger
}

// Connect opens a client, verifies the server answers a ping and starts
// forwarding asynchronous write errors to the log.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	api := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := NewWriter(api, logger)
	w.close = client.Close
	go func() {
		for err := range api.Errors() {
			w.logger.Warn("write failed", "err", err)
		}
	}()
	return w, nil
}

// NewWriter wraps an existing point sink.
func NewWriter(out PointWriter, logger *slog.Logger) *Writer {
	return &Writer{
		out:    out,
		logger: logger.With("component", "history"),
	}
}

// Subscribe records every capability update published on the bus.
// Returns an unsubscribe function.
func (w *Writer) Subscribe(events *coordinator.EventBus) func() {
	return events.On(coordinator.EventCapabilityUpdate, func(e coordinator.Event) {
		if u, ok := e.Data.(coordinator.CapabilityUpdate); ok {
			w.Record(u)
		}
	})
}

// Record queues one update. Values that are neither numeric nor boolean
// are skipped.
func (w *Writer) Record(u coordinator.CapabilityUpdate) {
	p, ok := point(u)
	if !ok {
		w.logger.Debug("skipping non-numeric value", "device", u.Device, "capability", u.Capability)
		return
	}
	w.out.WritePoint(p)
}

// Close flushes pending points and releases the client.
func (w *Writer) Close() {
	w.out.Flush()
	if w.close != nil {
		w.close()
	}
}

func point(u coordinator.CapabilityUpdate) (*write.Point, bool) {
	value, ok := field(u.Value)
	if !ok {
		return nil, false
	}
	ts := u.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(measurement,
		map[string]string{
			"device":     u.Device,
			"capability": u.Capability,
			"method":     string(u.Method),
		},
		map[string]any{
			"value":      value,
			"confidence": u.Confidence,
		},
		ts), true
}

// field maps a capability value onto an InfluxDB field type.
func field(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return nil, false
	}
}
