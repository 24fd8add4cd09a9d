package bus

import (
	"context"

	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

// DeadLetter is a message removed from normal processing.
// Event is nil when the message could not be decoded.
type DeadLetter struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Event     *events.Event
	Err       error
}

func (d DeadLetter) LogFields() log.Fields {
	fields := log.Fields{
		"kafka_topic":     d.Topic,
		"kafka_partition": d.Partition,
		"kafka_offset":    d.Offset,
		"kafka_key":       d.Key,
	}
	if d.Event != nil {
		fields[events.LogFieldEventID] = d.Event.ID
		fields[events.LogFieldEventType] = d.Event.Type
	}
	return fields
}

type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter DeadLetter)
}

// LogSink records dead letters in the log only.
type LogSink struct{}

func (LogSink) DeadLetter(_ context.Context, letter DeadLetter) {
	metrics.BusConsume(letter.Topic, metrics.OutcomeDeadLetter)
	log.WithFields(letter.LogFields()).Errorf("Dead letter: %s", letter.Err)
}

// AlertSink logs dead letters and announces them on the metrics.alert topic.
type AlertSink struct {
	Publisher Publisher
}

func (s AlertSink) DeadLetter(ctx context.Context, letter DeadLetter) {
	LogSink{}.DeadLetter(ctx, letter)

	// never alert about undeliverable alerts
	if letter.Topic == events.TopicMetricsAlert.String() {
		return
	}

	alert := events.MetricsAlert{
		Topic:     events.Topic(letter.Topic),
		Partition: letter.Partition,
		Offset:    letter.Offset,
		Error:     letter.Err.Error(),
	}
	if letter.Event != nil {
		alert.DeploymentID = letter.Event.DeploymentID()
	}

	ev, err := events.New(events.TopicMetricsAlert, alert)
	if err == nil {
		err = s.Publisher.Publish(ctx, ev, "")
	}
	if err != nil {
		log.WithFields(letter.LogFields()).Errorf("Publish dead letter alert: %s", err)
	}
}
