package broker

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"connect/internal/config"
	"connect/internal/constants"
	"connect/internal/logger"
	"connect/pkg/errors"
	"connect/pkg/logging"
	"connect/pkg/metrics"
	"connect/pkg/retry"
	"connect/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	headers = tracing.InjectTraceContext(ctx, headers)

	err := p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     key,
			Value:   value,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrPublish)
	}

	metrics.KafkaMessagesWrittenTotal.WithLabelValues(topic).Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// messageReader is the slice of kafka.Reader the consumer loop needs. Tests
// substitute an in-memory implementation through the reader factory.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	retryCfg    config.RetryConfig
	wg          sync.WaitGroup
	logger      logger.Logger
	serviceName string
	deadLetter  DeadLetterFunc
	newReader   func(topic string) messageReader

	mu      sync.Mutex
	readers []messageReader
}

func NewKafkaConsumer(cfg config.KafkaConfig, retryCfg config.RetryConfig, log logger.Logger) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:         cfg,
		retryCfg:    retryCfg,
		logger:      log,
		serviceName: "unknown",
	}
	c.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			GroupID:  c.cfg.GroupID,
			Topic:    topic,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
	}
	return c
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

func (c *KafkaConsumer) SetDeadLetterFunc(fn DeadLetterFunc) {
	c.deadLetter = fn
}

// Consume fetches records from the topic and hands them to the handler.
// Offsets are committed only after the handler succeeds or the record has
// been durably dead-lettered, so a crash never loses an uncommitted record.
// Each call owns its reader, so one consumer may serve several topics.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	reader := c.newReader(topic)
	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			metrics.KafkaMessagesReadTotal.WithLabelValues(topic).Inc()

			msg := Message{
				Topic:     m.Topic,
				Partition: m.Partition,
				Offset:    m.Offset,
				Key:       m.Key,
				Value:     m.Value,
				Headers:   m.Headers,
				Time:      m.Time,
			}

			msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m.Headers)
			msgCtx = logging.WithServiceName(msgCtx, c.serviceName)
			msgCtx = logging.WithTopic(msgCtx, topic)

			if err := c.processMessageWithRetry(msgCtx, msg, handler); err != nil {
				c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
					"error", err,
					"topic", topic,
					"partition", m.Partition,
					"offset", m.Offset,
				)
				if c.deadLetter != nil {
					if dlErr := c.deadLetter(msgCtx, msg, err); dlErr != nil {
						c.logger.ErrorwCtx(msgCtx, "Failed to dead-letter message, not committing",
							"error", dlErr,
							"topic", topic,
							"offset", m.Offset,
						)
						span.End()
						time.Sleep(time.Second)
						continue
					}
				} else {
					c.logger.WarnwCtx(msgCtx, "No dead letter handler configured, committing to avoid blocking",
						"topic", topic,
					)
				}
			}

			if err := reader.CommitMessages(ctx, m); err != nil {
				c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
					"error", err,
					"topic", topic,
					"offset", m.Offset,
				)
			}
			span.End()
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var err error
	for _, r := range readers {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, msg Message, handler HandlerFunc) error {
	policy := retry.Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}

	if c.retryCfg.MaxAttempts > 0 {
		policy.MaxAttempts = c.retryCfg.MaxAttempts
	}
	if c.retryCfg.InitialInterval > 0 {
		policy.InitialInterval = c.retryCfg.InitialInterval
	}
	if c.retryCfg.MaxInterval > 0 {
		policy.MaxInterval = c.retryCfg.MaxInterval
	}
	if c.retryCfg.Multiplier > 0 {
		policy.Multiplier = c.retryCfg.Multiplier
	}
	if c.retryCfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = c.retryCfg.MaxElapsedTime
	}

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", msg.Topic,
				)
			}
		}()
		return handler(ctx, msg)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(msg.Topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", msg.Topic,
		)
	})
}
