package deployment

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusBuilding  Status = "BUILDING"
	StatusDeploying Status = "DEPLOYING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBuilding, StatusDeploying, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Trigger is the name of an event that moves a deployment between states.
// All triggers except TriggerPipelineFailed share their name with a bus topic.
type Trigger string

const (
	TriggerStart          Trigger = "deployment.start"
	TriggerBuildStart     Trigger = "runner.build.start"
	TriggerBuildCompleted Trigger = "runner.build.completed"
	TriggerBuildFailed    Trigger = "runner.build.failed"
	TriggerSuccess        Trigger = "deployment.success"
	TriggerFailed         Trigger = "deployment.failed"
	TriggerCancel         Trigger = "deployment.cancel"

	// Raised internally when a pipeline step fails or times out.
	TriggerPipelineFailed Trigger = "pipeline.failed"
)

type transition struct {
	from []Status
	to   Status
}

var transitions = map[Trigger]transition{
	TriggerBuildStart:     {from: []Status{StatusPending}, to: StatusBuilding},
	TriggerBuildCompleted: {from: []Status{StatusBuilding}, to: StatusDeploying},
	TriggerBuildFailed:    {from: []Status{StatusBuilding}, to: StatusFailed},
	TriggerSuccess:        {from: []Status{StatusDeploying}, to: StatusSuccess},
	TriggerFailed:         {from: []Status{StatusDeploying, StatusBuilding}, to: StatusFailed},
	TriggerCancel:         {from: []Status{StatusPending, StatusBuilding, StatusDeploying}, to: StatusCancelled},
	TriggerPipelineFailed: {from: []Status{StatusPending, StatusBuilding, StatusDeploying}, to: StatusFailed},
}

var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolViolation describes a trigger that is not valid for the current state.
// It matches ErrProtocolViolation with errors.Is.
type ProtocolViolation struct {
	Status  Status
	Trigger Trigger
}

func (e *ProtocolViolation) Error() string {
	if e.Status.Terminal() {
		return fmt.Sprintf("%s: %s received for deployment in terminal state %s", ErrProtocolViolation, e.Trigger, e.Status)
	}
	return fmt.Sprintf("%s: %s is not valid from state %s", ErrProtocolViolation, e.Trigger, e.Status)
}

func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Transition returns the state a deployment in state current enters when trigger is applied.
func Transition(current Status, trigger Trigger) (Status, error) {
	t, ok := transitions[trigger]
	if !ok {
		return current, &ProtocolViolation{Status: current, Trigger: trigger}
	}
	for _, from := range t.from {
		if from == current {
			return t.to, nil
		}
	}
	return current, &ProtocolViolation{Status: current, Trigger: trigger}
}

// CanTransition reports whether trigger is valid from current.
func CanTransition(current Status, trigger Trigger) bool {
	_, err := Transition(current, trigger)
	return err == nil
}
