package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is the subset of Kafka behavior the relay needs.
type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

const (
	defaultProduceRetries = 3
	defaultProduceTimeout = 10 * time.Second
	firstRetryDelay       = 100 * time.Millisecond
	maxRetryDelay         = 2 * time.Second
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Retries int
	Timeout time.Duration
}

// KafkaProducer publishes sealed envelopes keyed by aggregate id. The hash balancer keeps
// every event of one order, commission or payout on the same partition.
type KafkaProducer struct {
	w       *kafka.Writer
	retries int
	timeout time.Duration
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New("kafka producer: no brokers configured")
	case cfg.Topic == "":
		return nil, errors.New("kafka producer: no topic configured")
	}
	p := &KafkaProducer{retries: cfg.Retries, timeout: cfg.Timeout}
	if p.retries <= 0 {
		p.retries = defaultProduceRetries
	}
	if p.timeout <= 0 {
		p.timeout = defaultProduceTimeout
	}
	p.w = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           p.timeout,
		AllowAutoTopicCreation: false,
	}
	return p, nil
}

func (p *KafkaProducer) Topic() string { return p.w.Topic }

// Produce writes one message and retries transient failures with doubling delays.
func (p *KafkaProducer) Produce(ctx context.Context, key []byte, value []byte) (time.Time, error) {
	delay := firstRetryDelay
	var err error
	for try := 0; try < p.retries; try++ {
		if try > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return time.Time{}, fmt.Errorf("kafka produce: %w", ctx.Err())
			case <-t.C:
			}
			delay = min(delay*2, maxRetryDelay)
		}
		at := time.Now().UTC()
		if err = p.write(ctx, kafka.Message{Key: key, Value: value, Time: at}); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("kafka produce: %d tries: %w", p.retries, err)
}

func (p *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, msg)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
