package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

// Handler processes one event. Returning an error wrapped with Retryable causes redelivery;
// any other error sends the message to the dead letter sink.
type Handler func(ctx context.Context, ev *events.Event) error

// Consumer is a running subscription. Stop it with Close.
type Consumer struct {
	group     sarama.ConsumerGroup
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the consumer has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		err = c.group.Close()
	})
	return err
}

// Subscribe starts consuming topics as member of group. Every claimed partition is
// processed by a single goroutine, so events with the same key are handled one at a time
// and in order. Delivery is at-least-once.
func (c *Client) Subscribe(ctx context.Context, group string, topics []events.Topic, handler Handler) (*Consumer, error) {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return nil, ErrClosed
	}

	consumerGroup, err := c.newConsumerGroup(group)
	if err != nil {
		return nil, &TransportError{Topic: fmt.Sprint(topics), Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	consumer := &Consumer{
		group:  consumerGroup,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	gh := &groupHandler{
		handler:       handler,
		deadLetters:   c.deadLetters,
		maxRetries:    c.cfg.MaxRetries,
		retryInterval: c.cfg.RetryInterval,
	}

	names := events.TopicNames(topics)
	logger := log.WithFields(log.Fields{
		"kafka_group":  group,
		"kafka_topics": names,
	})

	go func() {
		for err := range consumerGroup.Errors() {
			logger.Errorf("Kafka consumer error: %s", err)
		}
	}()

	go func() {
		defer close(consumer.done)
		logger.Infof("Starting Kafka consumer loop")
		for {
			err := consumerGroup.Consume(ctx, names, gh)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				logger.Infof("Shutting down Kafka consumer loop")
				return
			}
			if err != nil {
				logger.Errorf("Kafka consumer session: %s", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.cfg.RetryInterval):
				}
			}
		}
	}()

	c.lock.Lock()
	c.consumers = append(c.consumers, consumer)
	c.lock.Unlock()

	return consumer, nil
}

type groupHandler struct {
	handler       Handler
	deadLetters   DeadLetterSink
	maxRetries    int
	retryInterval time.Duration
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	log.WithField("kafka_claims", session.Claims()).Infof("Kafka consumer group session started")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim is the single worker of one partition.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.process(ctx, msg) {
				session.MarkMessage(msg, "")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func messageLogger(msg *sarama.ConsumerMessage) *log.Entry {
	return log.WithFields(log.Fields{
		"kafka_offset":    msg.Offset,
		"kafka_partition": msg.Partition,
		"kafka_timestamp": msg.Timestamp,
		"kafka_topic":     msg.Topic,
	})
}

// process runs the handler for one message. It returns false only when processing was
// interrupted by shutdown, in which case the message must not be marked as consumed.
func (h *groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	logger := messageLogger(msg)
	letter := DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
	}

	ev, err := events.Unmarshal(msg.Value)
	if err != nil {
		metrics.BusConsume(msg.Topic, metrics.OutcomeUndecodable)
		letter.Err = err
		h.deadLetters.DeadLetter(ctx, letter)
		return true
	}
	letter.Event = ev
	logger = logger.WithFields(ev.LogFields())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.retryInterval
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.maxRetries)), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := h.handle(ctx, ev)
		switch {
		case err == nil:
			return nil
		case IsRetryable(err):
			metrics.BusConsume(msg.Topic, metrics.OutcomeRetried)
			logger.Warnf("Handler failed on attempt %d: %s", attempt, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, retries)

	if err == nil {
		metrics.BusConsume(msg.Topic, metrics.OutcomeHandled)
		return true
	}

	if ctx.Err() != nil {
		logger.Warnf("Processing interrupted by shutdown; message will be redelivered")
		return false
	}

	letter.Err = err
	h.deadLetters.DeadLetter(ctx, letter)
	return true
}

// handle turns handler panics into errors so one bad message cannot stop the partition.
func (h *groupHandler) handle(ctx context.Context, ev *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.handler(ctx, ev)
}
