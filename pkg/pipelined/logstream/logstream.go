// Package logstream fans out build log lines to clients tailing a deployment.
//
// Delivery to subscribers is best effort: a subscriber that does not keep up loses lines,
// which remain available from the deployment store.
package logstream

import (
	"sync"

	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/metrics"
	log "github.com/sirupsen/logrus"
)

const DefaultBuffer = 256

type Hub struct {
	lock        sync.Mutex
	buffer      int
	subscribers map[string]map[*Subscription]struct{}
}

// Subscription receives the log lines of one deployment.
// Lines is closed when the deployment reaches a terminal state or the subscription is closed.
type Subscription struct {
	hub          *Hub
	deploymentID string
	lines        chan deployment.LogLine
	status       deployment.Status
	closed       bool
}

func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:      buffer,
		subscribers: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *Hub) Subscribe(deploymentID string) *Subscription {
	h.lock.Lock()
	defer h.lock.Unlock()

	sub := &Subscription{
		hub:          h,
		deploymentID: deploymentID,
		lines:        make(chan deployment.LogLine, h.buffer),
	}
	if h.subscribers[deploymentID] == nil {
		h.subscribers[deploymentID] = make(map[*Subscription]struct{})
	}
	h.subscribers[deploymentID][sub] = struct{}{}
	metrics.LogStreams(1)

	return sub
}

// Publish hands a line to every subscriber of the deployment without blocking.
func (h *Hub) Publish(deploymentID string, line deployment.LogLine) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for sub := range h.subscribers[deploymentID] {
		select {
		case sub.lines <- line:
		default:
			metrics.LogLineDropped()
			log.WithField(deployment.LogFieldDeploymentID, deploymentID).Debugf("Dropped log line %d for slow subscriber", line.Seq)
		}
	}
}

// Finish ends all subscriptions of the deployment, recording its final status.
func (h *Hub) Finish(deploymentID string, status deployment.Status) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for sub := range h.subscribers[deploymentID] {
		sub.status = status
		sub.closeLocked()
	}
	delete(h.subscribers, deploymentID)
}

// Subscribers returns the number of open subscriptions for a deployment.
func (h *Hub) Subscribers(deploymentID string) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subscribers[deploymentID])
}

func (s *Subscription) Lines() <-chan deployment.LogLine {
	return s.lines
}

// Status is the final status passed to Finish. It is empty if the subscription was closed
// by the subscriber, and must only be read after Lines has been closed.
func (s *Subscription) Status() deployment.Status {
	return s.status
}

func (s *Subscription) Close() {
	s.hub.lock.Lock()
	defer s.hub.lock.Unlock()

	s.closeLocked()
	if subs, ok := s.hub.subscribers[s.deploymentID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.subscribers, s.deploymentID)
		}
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.lines)
	metrics.LogStreams(-1)
}
