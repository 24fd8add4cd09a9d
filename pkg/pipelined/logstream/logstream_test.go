package logstream_test

import (
	"testing"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/stretchr/testify/assert"
)

func collect(sub *logstream.Subscription) []int64 {
	seqs := make([]int64, 0)
	for line := range sub.Lines() {
		seqs = append(seqs, line.Seq)
	}
	return seqs
}

func TestFanOutAndFinish(t *testing.T) {
	hub := logstream.New(10)

	first := hub.Subscribe("d1")
	second := hub.Subscribe("d1")
	other := hub.Subscribe("d2")
	assert.Equal(t, 2, hub.Subscribers("d1"))

	hub.Publish("d1", deployment.LogLine{Seq: 1, Text: "cloning"})
	hub.Publish("d1", deployment.LogLine{Seq: 2, Text: "building"})
	hub.Finish("d1", deployment.StatusSuccess)

	assert.Equal(t, []int64{1, 2}, collect(first))
	assert.Equal(t, []int64{1, 2}, collect(second))
	assert.Equal(t, deployment.StatusSuccess, first.Status())
	assert.Equal(t, 0, hub.Subscribers("d1"))

	// unrelated deployments are unaffected
	assert.Equal(t, 1, hub.Subscribers("d2"))
	other.Close()
	assert.Empty(t, collect(other))
	assert.Equal(t, deployment.Status(""), other.Status())
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	hub := logstream.New(2)
	sub := hub.Subscribe("d1")

	for seq := int64(1); seq <= 5; seq++ {
		hub.Publish("d1", deployment.LogLine{Seq: seq})
	}
	hub.Finish("d1", deployment.StatusFailed)

	assert.Equal(t, []int64{1, 2}, collect(sub))
	assert.Equal(t, deployment.StatusFailed, sub.Status())
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := logstream.New(0)
	sub := hub.Subscribe("d1")

	sub.Close()
	sub.Close()
	hub.Finish("d1", deployment.StatusCancelled)
	hub.Publish("d1", deployment.LogLine{Seq: 1})

	assert.Equal(t, 0, hub.Subscribers("d1"))
	assert.Empty(t, collect(sub))
}
