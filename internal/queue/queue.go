// Package queue runs the embedded NATS JetStream broker that carries
// messages between the pipeline stages. A single file-backed stream
// holds every queue; each queue is one subject consumed by a durable
// pull consumer, so a restart picks up exactly where the worker left
// off. Handlers report failures through the errs kinds and the broker
// translates them into acks, terminations or delayed redeliveries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adsabs/orcid-claims/internal/errs"
)

// Queue names. Each maps to one subject and one durable consumer.
const (
	CheckUpdates  = "check-updates"
	CheckOrcid    = "check-orcidid"
	MatchClaim    = "match-claim"
	OutputResults = "output-results"
)

// Outbox holds finished claim updates for the master pipeline to drain.
// The worker publishes to it but never attaches a consumer.
const Outbox = "outbox"

// Queues lists every pipeline queue in processing order.
var Queues = []string{CheckUpdates, CheckOrcid, MatchClaim, OutputResults}

const (
	// StreamName is the JetStream stream holding all pipeline queues.
	StreamName = "CLAIMS"

	subjectPrefix = "claims."
)

// SubjectFor returns the stream subject for a queue name.
func SubjectFor(queue string) string {
	return subjectPrefix + queue
}

const (
	defaultPort       = 4222
	defaultMaxDeliver = 5
	defaultAckWait    = 30 * time.Second
	defaultRetryDelay = 2 * time.Second

	maxRetryDelay    = 60 * time.Second
	publishRetryWait = 2 * time.Second
	readyTimeout     = 10 * time.Second
	fetchBatch       = 16
	fetchWait        = 2 * time.Second
)

// Config controls the embedded broker.
type Config struct {
	// DataDir is where JetStream persists the stream.
	DataDir string
	// Port for the embedded server; 0 means 4222, -1 picks a free port.
	Port int
	// MaxDeliver caps deliveries per message before it is dropped.
	MaxDeliver int
	// AckWait is how long a delivery may stay unacked before redelivery.
	AckWait time.Duration
	// RetryDelay is the base delay for transient redeliveries; it
	// doubles per attempt up to a minute.
	RetryDelay time.Duration
}

// Broker owns the embedded NATS server, its JetStream stream and the
// consumer loops. One Broker serves the whole worker process.
type Broker struct {
	srv  *server.Server
	conn *nats.Conn
	js   nats.JetStreamContext

	maxDeliver int
	ackWait    time.Duration
	retryDelay time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New starts the embedded server, connects to it in-process and makes
// sure the claims stream exists.
func New(cfg Config) (*Broker, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("queue: data dir must not be empty")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating queue store dir: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDeliver
	}
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	opts := &server.Options{
		ServerName:         "orcid-claims-queue",
		Host:               "127.0.0.1",
		Port:               port,
		JetStream:          true,
		JetStreamMaxMemory: 256 << 20,
		JetStreamMaxStore:  1 << 30,
		StoreDir:           cfg.DataDir,
		NoLog:              true,
		NoSigs:             true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating queue server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("queue server not ready after %s", readyTimeout)
	}

	conn, err := nats.Connect(srv.ClientURL(), nats.Name("orcid-claims-worker"))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to queue server: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		srv.Shutdown()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js); err != nil {
		conn.Close()
		srv.Shutdown()
		return nil, err
	}

	return &Broker{
		srv:        srv,
		conn:       conn,
		js:         js,
		maxDeliver: maxDeliver,
		ackWait:    ackWait,
		retryDelay: retryDelay,
		log:        log.With().Str("component", "queue").Logger(),
		done:       make(chan struct{}),
	}, nil
}

// Connect attaches to an already-running broker, typically the one
// embedded in the worker. Used by the maintenance CLI to enqueue work
// without standing up a second server over the same store dir.
func Connect(url string) (*Broker, error) {
	conn, err := nats.Connect(url, nats.Name("orcid-claims-ctl"))
	if err != nil {
		return nil, fmt.Errorf("connecting to queue at %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &Broker{
		conn:       conn,
		js:         js,
		maxDeliver: defaultMaxDeliver,
		ackWait:    defaultAckWait,
		retryDelay: defaultRetryDelay,
		log:        log.With().Str("component", "queue").Logger(),
		done:       make(chan struct{}),
	}, nil
}

// ensureStream creates the claims stream unless an earlier run already
// left one in the store dir.
func ensureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxMsgs:  100_000,
		MaxBytes: 256 << 20,
	})
	if err != nil {
		return fmt.Errorf("creating %s stream: %w", StreamName, err)
	}
	return nil
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	Queue   string
	ID      string
	Attempt uint64
	Data    []byte
}

// Handler consumes one delivery. The returned error's kind decides the
// message's fate: ignorable and data errors ack, processing errors
// terminate, transient and unclassified errors come back after a
// backoff delay.
type Handler func(ctx context.Context, d Delivery) error

// Publish appends the payload to the queue. A failed append is retried
// once after a short pause before the error surfaces; the message id
// makes the retry idempotent on the broker side.
func (b *Broker) Publish(queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", queue, err)
	}
	return b.publish(queue, data)
}

// PublishAfter schedules a publish once delay elapses. The timer lives
// in-process, so pending publishes are dropped when the broker closes;
// the poller re-seeds its own schedule at startup.
func (b *Broker) PublishAfter(queue string, payload any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", queue, err)
	}
	if delay <= 0 {
		return b.publish(queue, data)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}
		if err := b.publish(queue, data); err != nil {
			b.log.Warn().Err(err).Str("queue", queue).Msg("delayed publish failed")
		}
	}()
	return nil
}

func (b *Broker) publish(queue string, data []byte) error {
	msg := nats.NewMsg(SubjectFor(queue))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())

	if _, err := b.js.PublishMsg(msg); err != nil {
		select {
		case <-b.done:
			return fmt.Errorf("publishing to %s: %w", queue, err)
		case <-time.After(publishRetryWait):
		}
		if _, err = b.js.PublishMsg(msg); err != nil {
			return fmt.Errorf("publishing to %s: %w", queue, err)
		}
	}
	return nil
}

// Subscribe binds the handler to the queue's durable consumer and
// starts the fetch loop. The loop stops when ctx is cancelled or the
// broker closes.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler Handler) error {
	sub, err := b.js.PullSubscribe(
		SubjectFor(queue),
		queue,
		nats.BindStream(StreamName),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxDeliver(b.maxDeliver),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", queue, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consume(ctx, queue, sub, handler)
	return nil
}

func (b *Broker) consume(ctx context.Context, queue string, sub *nats.Subscription, handler Handler) {
	defer b.wg.Done()
	logger := b.log.With().Str("queue", queue).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || b.isClosed() {
				return
			}
			logger.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			b.handle(ctx, queue, logger, handler, msg)
		}
	}
}

func (b *Broker) handle(ctx context.Context, queue string, logger zerolog.Logger, handler Handler, msg *nats.Msg) {
	d := Delivery{
		Queue:   queue,
		ID:      msg.Header.Get(nats.MsgIdHdr),
		Attempt: 1,
		Data:    msg.Data,
	}
	if meta, err := msg.Metadata(); err == nil {
		d.Attempt = meta.NumDelivered
	}

	err := handler(ctx, d)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn().Err(ackErr).Str("id", d.ID).Msg("ack failed")
		}
		return
	}

	kind := errs.Kind(err)
	switch {
	case errors.Is(err, errs.ErrIgnorable):
		logger.Warn().Err(err).Str("id", d.ID).Str("kind", kind).Msg("dropping message")
		_ = msg.Ack()
	case errors.Is(err, errs.ErrProcessing):
		logger.Error().Err(err).Str("id", d.ID).Str("kind", kind).Msg("terminating message")
		_ = msg.Term()
	case errors.Is(err, errs.ErrData):
		logger.Error().Err(err).Str("id", d.ID).Str("kind", kind).Msg("acking unreconcilable message")
		_ = msg.Ack()
	default:
		delay := b.redeliveryDelay(d.Attempt)
		logger.Warn().Err(err).Str("id", d.ID).Str("kind", kind).
			Uint64("attempt", d.Attempt).Dur("retry_in", delay).Msg("redelivering message")
		_ = msg.NakWithDelay(delay)
	}
}

// redeliveryDelay doubles the base delay per delivery, capped so a
// poisoned message cannot park its consumer for long.
func (b *Broker) redeliveryDelay(attempt uint64) time.Duration {
	delay := b.retryDelay
	for i := uint64(1); i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// QueueStats is one durable consumer's view of its queue.
type QueueStats struct {
	Queue       string `json:"queue"`
	Pending     uint64 `json:"pending"`
	AckPending  int    `json:"ack_pending"`
	Delivered   uint64 `json:"delivered"`
	Redelivered int    `json:"redelivered"`
}

// Stats is the broker snapshot served by the status endpoint. Queues
// only lists consumers that exist, so a fresh broker reports none.
type Stats struct {
	Stream    string       `json:"stream"`
	Messages  uint64       `json:"messages"`
	Bytes     uint64       `json:"bytes"`
	Consumers int          `json:"consumers"`
	Queues    []QueueStats `json:"queues,omitempty"`
}

// Stats snapshots the stream and its consumers.
func (b *Broker) Stats() (*Stats, error) {
	info, err := b.js.StreamInfo(StreamName)
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	s := &Stats{
		Stream:    StreamName,
		Messages:  info.State.Msgs,
		Bytes:     info.State.Bytes,
		Consumers: info.State.Consumers,
	}
	for _, q := range Queues {
		ci, err := b.js.ConsumerInfo(StreamName, q)
		if err != nil {
			continue
		}
		s.Queues = append(s.Queues, QueueStats{
			Queue:       q,
			Pending:     ci.NumPending,
			AckPending:  ci.NumAckPending,
			Delivered:   ci.Delivered.Consumer,
			Redelivered: ci.NumRedelivered,
		})
	}
	return s, nil
}

// ClientURL returns the embedded server's client URL, for diagnostics.
// Empty for brokers attached over Connect.
func (b *Broker) ClientURL() string {
	if b.srv == nil {
		return ""
	}
	return b.srv.ClientURL()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the consumer loops, drains the connection and shuts the
// embedded server down. The durable consumers stay in the store so the
// next run resumes from the last ack. Safe to call more than once.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.log.Warn().Err(err).Msg("draining queue connection")
	}
	b.conn.Close()
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
