package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"PerpClearing/internal/observability"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds clearing
// instructions into the engine via the instruction channel. NATS JetStream is
// the primary high-throughput ingestion surface; each instruction kind has
// its own subject so consumers scale independently.
type NATSSubscriber struct {
	js              jetstream.JetStream
	instructionChan chan<- RawInstruction
	consumers       []jetstream.ConsumeContext
	metrics         *observability.Metrics
}

// RawInstruction is the received-but-unparsed instruction from NATS, ready
// for the dispatcher to validate and convert before calling the engine.
type RawInstruction struct {
	Kind      string
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to instruction kinds.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "clearing.orders.place.>", Kind: KindPlaceOrder, ConsumerName: "clearing-order-place", StreamName: "CLEARING_ORDERS"},
		{Subject: "clearing.orders.cancel.>", Kind: KindCancelOrder, ConsumerName: "clearing-order-cancel", StreamName: "CLEARING_ORDERS"},
		{Subject: "clearing.orders.fill.>", Kind: KindFillOrder, ConsumerName: "clearing-order-fill", StreamName: "CLEARING_ORDERS"},
		{Subject: "clearing.collateral.deposit.>", Kind: KindDeposit, ConsumerName: "clearing-deposit", StreamName: "CLEARING_COLLATERAL"},
		{Subject: "clearing.collateral.withdraw.>", Kind: KindWithdraw, ConsumerName: "clearing-withdraw", StreamName: "CLEARING_COLLATERAL"},
		{Subject: "clearing.oracle.price.>", Kind: KindOraclePrice, ConsumerName: "clearing-oracle", StreamName: "CLEARING_ORACLE"},
		{Subject: "clearing.funding.update.>", Kind: KindUpdateFunding, ConsumerName: "clearing-funding", StreamName: "CLEARING_FUNDING"},
		{Subject: "clearing.settlement.expire.>", Kind: KindSettleExpiredMarket, ConsumerName: "clearing-settle-expire", StreamName: "CLEARING_SETTLEMENT"},
		{Subject: "clearing.settlement.pnl.>", Kind: KindSettlePnl, ConsumerName: "clearing-settle-pnl", StreamName: "CLEARING_SETTLEMENT"},
		{Subject: "clearing.settlement.sweep.>", Kind: KindSweepPools, ConsumerName: "clearing-sweep", StreamName: "CLEARING_SETTLEMENT"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, instructionChan chan<- RawInstruction) *NATSSubscriber {
	return &NATSSubscriber{
		js:              js,
		instructionChan: instructionChan,
	}
}

// WithMetrics enables delivery-latency observation per subject.
func (ns *NATSSubscriber) WithMetrics(metrics *observability.Metrics) *NATSSubscriber {
	ns.metrics = metrics
	return ns
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		kind := cfg.Kind
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if ns.metrics != nil {
				if meta, err := msg.Metadata(); err == nil {
					ns.metrics.NATSPullLatency.WithLabelValues(cfg.Subject).
						Observe(time.Since(meta.Timestamp).Seconds())
				}
			}

			raw := RawInstruction{
				Kind:      kind,
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.instructionChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "CLEARING_ORDERS",
			Subjects:  []string{"clearing.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_COLLATERAL",
			Subjects:  []string{"clearing.collateral.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_ORACLE",
			Subjects:  []string{"clearing.oracle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_FUNDING",
			Subjects:  []string{"clearing.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "CLEARING_SETTLEMENT",
			Subjects:  []string{"clearing.settlement.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
