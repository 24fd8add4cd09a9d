package metrics

import (
	"testing"
	"time"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUpdateQueue(t *testing.T) {
	now := time.Now()
	first := deployment.New("first", "p", deployment.Source{}, now)
	second := deployment.New("second", "p", deployment.Source{}, now)

	UpdateQueue(first)
	UpdateQueue(second)
	UpdateQueue(second)
	assert.Equal(t, 2.0, testutil.ToFloat64(queueSize))

	assert.NoError(t, first.Apply(deployment.TriggerCancel, now))
	UpdateQueue(first)
	assert.Equal(t, 1.0, testutil.ToFloat64(queueSize))

	assert.NoError(t, second.Apply(deployment.TriggerPipelineFailed, now))
	UpdateQueue(second)
	assert.Equal(t, 0.0, testutil.ToFloat64(queueSize))
}
