package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the snapshot tooling. All of them live in one stream.
const (
	StreamName           = "SNAPSHOTS"
	SubjectCheckFinished = "snapshots.check.finished"
	SubjectBuildFinished = "snapshots.build.finished"
	SubjectBundleCreated = "snapshots.bundle.created"

	streamSubjects = "snapshots.>"
	streamMaxAge   = 30 * 24 * time.Hour
)

// ErrNotConfigured is returned by NewFromEnv when NATS_URL is unset.
var ErrNotConfigured = errors.New("NATS_URL is not set")

// Bus wraps a NATS JetStream connection for publishing and consuming snapshot events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url and makes sure the snapshot stream exists.
func New(url string, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{nats.Name("llvm-snapshots")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	b := &Bus{conn: nc, js: js}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// NewFromEnv connects to NATS_URL. Callers treat ErrNotConfigured as "events off".
func NewFromEnv() (*Bus, error) {
	url := strings.TrimSpace(os.Getenv("NATS_URL"))
	if url == "" {
		return nil, ErrNotConfigured
	}
	return New(url)
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", StreamName, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{streamSubjects},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", StreamName, err)
	}
	return nil
}

// Close drains the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if !strings.HasPrefix(subj, "snapshots.") {
		return fmt.Errorf("subject %q is outside stream %s", subj, StreamName)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	if _, err := b.js.Publish(subj, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on subj and invokes fn for each message.
// Messages are acked when fn succeeds and nacked otherwise.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := fn(handlerCtx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
