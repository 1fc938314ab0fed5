package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Options describe the NATS connection and JetStream layout.
type Options struct {
	URL        string
	User       string
	Password   string
	Name       string // client connection name
	Prefix     string // subject prefix
	Stream     string
	Durable    string
	Batch      int
	MaxWait    time.Duration
	MaxBytes   int64
	DupeWindow time.Duration
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Name == "" {
		o.Name = "plural-remote"
	}
	if o.Prefix == "" {
		o.Prefix = "plural.remote"
	}
	if o.Stream == "" {
		o.Stream = "PLURAL_REMOTE"
	}
	if o.Durable == "" {
		o.Durable = "plural-remote-inbox"
	}
	if o.Batch <= 0 {
		o.Batch = 64
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 500 * time.Millisecond
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 << 30
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}

func (o *Options) updatesWildcard() string {
	return o.Prefix + ".updates.>"
}

func (o *Options) tasksWildcard() string {
	return o.Prefix + ".tasks.>"
}

func (o *Options) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       o.Stream,
		Subjects:   []string{o.updatesWildcard(), o.tasksWildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   o.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: o.DupeWindow,
	}
}

// JetStream is the NATS-backed inbox. Poll makes it a poller.Source.
type JetStream struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	opts Options
	log  *slog.Logger
}

// Connect dials NATS, makes sure the stream exists and binds the durable
// pull consumer.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*JetStream, error) {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}

	natsOpts := []nats.Option{nats.Name(opts.Name)}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}

	j := &JetStream{conn: conn, js: js, opts: opts, log: log}
	if err := j.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set up stream %s: %w", opts.Stream, err)
	}

	sub, err := js.PullSubscribe(
		opts.updatesWildcard(),
		opts.Durable,
		nats.BindStream(opts.Stream),
		nats.AckExplicit(),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to updates: %w", err)
	}
	j.sub = sub

	log.Info("inbox connected", "url", opts.URL, "stream", opts.Stream, "durable", opts.Durable)
	return j, nil
}

func (j *JetStream) ensureStream(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := j.opts.streamConfig()
	if _, err := j.js.StreamInfo(cfg.Name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := j.js.AddStream(cfg)
			return addErr
		}
		return err
	}
	_, err := j.js.UpdateStream(cfg)
	return err
}

// Conn returns the underlying connection, shared with the outbound relay.
func (j *JetStream) Conn() *nats.Conn {
	return j.conn
}

// Prefix returns the subject prefix in use.
func (j *JetStream) Prefix() string {
	return j.opts.Prefix
}

// Poll fetches the next batch of updates. An empty batch is not an error.
// Messages are acknowledged once decoded; undecodable ones are logged and
// acknowledged so they are not redelivered forever.
func (j *JetStream) Poll(ctx context.Context) ([]Update, error) {
	msgs, err := j.sub.Fetch(j.opts.Batch, nats.MaxWait(j.opts.MaxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	updates := make([]Update, 0, len(msgs))
	for _, msg := range msgs {
		u, err := DecodeUpdate(msg.Data)
		if err != nil {
			j.log.Warn("dropping update", "subject", msg.Subject, "error", err)
		} else {
			updates = append(updates, u)
		}
		if err := msg.Ack(); err != nil {
			j.log.Warn("ack failed", "subject", msg.Subject, "error", err)
		}
	}
	return updates, nil
}

// CreateTask publishes a task and returns its id. The id doubles as the
// JetStream message id, so a retried publish is deduplicated.
func (j *JetStream) CreateTask(ctx context.Context, task Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	if _, err := j.js.Publish(TaskSubject(j.opts.Prefix, task.Machine), payload, nats.MsgId("task:"+task.ID)); err != nil {
		return "", fmt.Errorf("failed to publish task: %w", err)
	}
	j.log.Info("task published", "id", task.ID, "machine", task.Machine, "thread", task.ThreadKey)
	return task.ID, nil
}

// Close drains the connection.
func (j *JetStream) Close() {
	if j.conn != nil {
		j.conn.Drain()
		j.conn.Close()
	}
}
