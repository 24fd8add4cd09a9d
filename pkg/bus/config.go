package bus

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Shopify/sarama"
)

type SASL struct {
	Enabled   bool   `json:"enabled"`
	Handshake bool   `json:"handshake"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type TLS struct {
	Enabled  bool `json:"enabled"`
	Insecure bool `json:"insecure"`
}

type Config struct {
	Brokers           []string      `json:"brokers"`
	ClientID          string        `json:"client-id"`
	GroupID           string        `json:"group-id"`
	Partitions        int32         `json:"partitions"`
	ReplicationFactor int16         `json:"replication-factor"`
	MaxRetries        int           `json:"max-retries"`
	RetryInterval     time.Duration `json:"retry-interval"`
	TLS               TLS           `json:"tls"`
	SASL              SASL          `json:"sasl"`
	Verbosity         string        `json:"verbosity"`
}

func DefaultGroupName() string {
	if hostname, err := os.Hostname(); err == nil {
		return fmt.Sprintf("pipelined-%s", hostname)
	}
	return fmt.Sprintf("pipelined-%d", rand.Int())
}

func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		ClientID:          DefaultGroupName(),
		GroupID:           "pipelined",
		Partitions:        6,
		ReplicationFactor: 1,
		MaxRetries:        5,
		RetryInterval:     time.Millisecond * 500,
		Verbosity:         "info",
	}
}

// Sarama returns the client configuration shared by producers, consumers and the admin client.
func (c Config) Sarama() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	if c.TLS.Enabled {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: c.TLS.Insecure,
		}
	}

	if c.SASL.Enabled {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Handshake = c.SASL.Handshake
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Kafka configuration: %w", err)
	}

	return cfg, nil
}
