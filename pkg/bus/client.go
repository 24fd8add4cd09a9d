// Package bus carries events between pipelined and its collaborators over Kafka.
//
// A Client is created without network I/O. The producer connection is established on
// first use and shared by all callers until Close.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("bus client is closed")

type Publisher interface {
	Publish(ctx context.Context, ev *events.Event, key string) error
}

// TopicAdmin is the subset of sarama.ClusterAdmin used for topic provisioning.
type TopicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

type Client struct {
	cfg         Config
	deadLetters DeadLetterSink

	newProducer      func() (sarama.SyncProducer, error)
	newAdmin         func() (TopicAdmin, error)
	newConsumerGroup func(group string) (sarama.ConsumerGroup, error)

	lock      sync.Mutex
	producer  sarama.SyncProducer
	consumers []*Consumer
	closed    bool
	closeOnce sync.Once
}

var _ Publisher = &Client{}

type Option func(*Client)

// WithProducer replaces the lazily created Kafka producer.
func WithProducer(producer sarama.SyncProducer) Option {
	return func(c *Client) {
		c.newProducer = func() (sarama.SyncProducer, error) {
			return producer, nil
		}
	}
}

func WithTopicAdmin(newAdmin func() (TopicAdmin, error)) Option {
	return func(c *Client) {
		c.newAdmin = newAdmin
	}
}

func WithConsumerGroup(newConsumerGroup func(group string) (sarama.ConsumerGroup, error)) Option {
	return func(c *Client) {
		c.newConsumerGroup = newConsumerGroup
	}
}

func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(c *Client) {
		c.deadLetters = sink
	}
}

// WithAlerts announces dead letters on the metrics.alert topic through the client itself.
func WithAlerts() Option {
	return func(c *Client) {
		c.deadLetters = AlertSink{Publisher: c}
	}
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:         cfg,
		deadLetters: LogSink{},
	}

	c.newProducer = func() (sarama.SyncProducer, error) {
		saramaConfig, err := cfg.Sarama()
		if err != nil {
			return nil, err
		}
		return sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	}

	c.newAdmin = func() (TopicAdmin, error) {
		saramaConfig, err := cfg.Sarama()
		if err != nil {
			return nil, err
		}
		return sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
	}

	c.newConsumerGroup = func(group string) (sarama.ConsumerGroup, error) {
		saramaConfig, err := cfg.Sarama()
		if err != nil {
			return nil, err
		}
		return sarama.NewConsumerGroup(cfg.Brokers, group, saramaConfig)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// syncProducer connects on first use. A failed connection attempt is retried on the next call.
func (c *Client) syncProducer() (sarama.SyncProducer, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.producer != nil {
		return c.producer, nil
	}

	producer, err := c.newProducer()
	if err != nil {
		return nil, err
	}

	log.WithField("brokers", c.cfg.Brokers).Infof("Connected to Kafka")
	c.producer = producer
	return producer, nil
}

// Publish sends an event to the topic named by its type.
// Events that affect a deployment must be published with the deployment id as key.
// An empty key is replaced with a time derived key.
func (c *Client) Publish(ctx context.Context, ev *events.Event, key string) (err error) {
	topic := ev.Type.String()
	defer func() {
		metrics.BusPublish(topic, err)
	}()

	if err := ctx.Err(); err != nil {
		return &TransportError{Topic: topic, Err: err}
	}

	data, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	producer, err := c.syncProducer()
	if err != nil {
		return &TransportError{Topic: topic, Err: err}
	}

	if len(key) == 0 {
		key = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	partition, offset, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return &TransportError{Topic: topic, Err: err}
	}

	log.WithFields(ev.LogFields()).WithFields(log.Fields{
		"kafka_topic":     topic,
		"kafka_partition": partition,
		"kafka_offset":    offset,
	}).Tracef("Published event")

	return nil
}

// EnsureTopics creates missing topics. Existing topics are left alone.
func (c *Client) EnsureTopics(ctx context.Context, topics []events.Topic) error {
	admin, err := c.newAdmin()
	if err != nil {
		return &TransportError{Topic: "*", Err: err}
	}
	defer admin.Close()

	detail := &sarama.TopicDetail{
		NumPartitions:     c.cfg.Partitions,
		ReplicationFactor: c.cfg.ReplicationFactor,
	}

	errs := make([]error, 0)
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := admin.CreateTopic(topic.String(), detail, false)
		switch {
		case err == nil:
			log.WithField("kafka_topic", topic).Infof("Created topic with %d partitions", detail.NumPartitions)
		case topicExists(err):
			log.WithField("kafka_topic", topic).Debugf("Topic already exists")
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicError *sarama.TopicError
	return errors.As(err, &topicError) && topicError.Err == sarama.ErrTopicAlreadyExists
}

// Close shuts down all consumers and the producer. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.closed = true
		consumers := c.consumers
		producer := c.producer
		c.lock.Unlock()

		errs := make([]error, 0)
		for _, consumer := range consumers {
			errs = append(errs, consumer.Close())
		}
		if producer != nil {
			errs = append(errs, producer.Close())
		}
		err = errors.Join(errs...)
		log.Infof("Kafka bus closed")
	})
	return err
}
