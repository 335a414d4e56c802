package broker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is a raw record fetched from the broker. Value carries the
// wire-framed Avro payload untouched.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
	Time      time.Time
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
	SetDeadLetterFunc(fn DeadLetterFunc)
}

type HandlerFunc func(ctx context.Context, msg Message) error

// DeadLetterFunc runs after retries are exhausted, before the offset is
// committed. Implementations must record the failure durably.
type DeadLetterFunc func(ctx context.Context, msg Message, cause error) error
