package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PerpClearing/internal/engine"
)

// RecordPublisher publishes committed records to NATS for downstream
// consumers. Records are published after the transition commits; a dropped
// publish is recoverable because consumers can rebuild from the record log.
// Subjects follow the pattern: clearing.records.{record_type}[.{market}]
type RecordPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

// recordEnvelope is the outbound wire format wrapping a record payload.
type recordEnvelope struct {
	RecordType  string      `json:"record_type"`
	Key         string      `json:"key"`
	MarketIndex *uint64     `json:"market_index,omitempty"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

func NewRecordPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *RecordPublisher {
	return &RecordPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop.
func (rp *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}

			if err := rp.publish(ctx, out); err != nil {
				log.Printf("WARN: record publish failed key=%s: %v", out.Record.Key(), err)
				// Non-fatal: downstream consumers can query the record log directly
			}
		}
	}
}

func (rp *RecordPublisher) publish(ctx context.Context, out engine.Output) error {
	env := recordEnvelope{
		RecordType:  out.Record.Type().String(),
		Key:         out.Record.Key(),
		MarketIndex: out.Record.MarketIndex(),
		Payload:     out.Record,
		PublishedAt: time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("clearing.records.%s", out.Record.Type())
	if m := out.Record.MarketIndex(); m != nil {
		subject = fmt.Sprintf("%s.%d", subject, *m)
	}

	_, err = rp.js.Publish(ctx, subject, data)
	return err
}

// EnsureRecordStream creates the outbound records stream.
func EnsureRecordStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CLEARING_RECORDS",
		Subjects:  []string{"clearing.records.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create record stream: %w", err)
	}
	log.Println("INFO: ensured record stream CLEARING_RECORDS")
	return nil
}
