package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bizledger/intake/internal/infrastructure/resilience"
)

const (
	SubjectDocumentRegistered = "intake.document.registered"
	SubjectUploadFinalized    = "intake.upload.finalized"
)

// Event is the wire shape of every intake lifecycle message.
type Event struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
}

type Queue struct {
	conn     *nats.Conn
	executor *resilience.Executor
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("bizledger-intake"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentRegistered(ctx context.Context, fingerprintID string) error {
	return q.publish(ctx, SubjectDocumentRegistered, Event{
		Kind: "document_registered",
		ID:   fingerprintID,
		At:   time.Now().UTC(),
	})
}

func (q *Queue) PublishUploadFinalized(ctx context.Context, uploadID string) error {
	return q.publish(ctx, SubjectUploadFinalized, Event{
		Kind: "upload_finalized",
		ID:   uploadID,
		At:   time.Now().UTC(),
	})
}

func (q *Queue) publish(ctx context.Context, subject string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeUploadFinalized feeds finalized upload IDs to the worker until the
// context is cancelled, then drains the subscription.
func (q *Queue) SubscribeUploadFinalized(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, SubjectUploadFinalized, handler)
}

func (q *Queue) SubscribeDocumentRegistered(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, SubjectDocumentRegistered, handler)
}

func (q *Queue) subscribe(ctx context.Context, subject string, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(subject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("worker handler: malformed event on %s: %v", subject, err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, event.ID); err != nil {
			log.Printf("worker handler error for id=%s: %v", event.ID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
