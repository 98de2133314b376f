package launcher

import (
	"errors"
	"fmt"

	"github.com/mpataki/simlaunch/internal/models"
)

var ErrInvalidTransition = errors.New("invalid entity transition")

type SignalKind int

const (
	SignalLaunched SignalKind = iota
	SignalSucceeded
	SignalFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalLaunched:
		return "launched"
	case SignalSucceeded:
		return "succeeded"
	case SignalFailed:
		return "failed"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal reports a lifecycle event of one step in an entity's chain.
type Signal struct {
	Kind SignalKind
	Role models.StepKind
}

func (s Signal) String() string {
	return string(s.Role) + " " + s.Kind.String()
}

type transitionKey struct {
	from   models.EntityState
	signal Signal
}

var transitions = map[transitionKey]models.EntityState{
	{models.EntityIdle, Signal{SignalLaunched, models.StepStatePublisher}}:              models.EntityPublishing,
	{models.EntityPublishing, Signal{SignalLaunched, models.StepSpawn}}:                 models.EntityCreating,
	{models.EntityCreating, Signal{SignalSucceeded, models.StepSpawn}}:                  models.EntityBroadcasterStarting,
	{models.EntityBroadcasterStarting, Signal{SignalLaunched, models.StepBroadcaster}}:  models.EntityBroadcasterStarting,
	{models.EntityBroadcasterStarting, Signal{SignalSucceeded, models.StepBroadcaster}}: models.EntityControllerStarting,
	{models.EntityControllerStarting, Signal{SignalLaunched, models.StepController}}:    models.EntityControllerStarting,
	{models.EntityControllerStarting, Signal{SignalSucceeded, models.StepController}}:   models.EntityReady,
}

// Lifecycle is the state machine of one entity:
//
//	Idle → Publishing → Creating → BroadcasterStarting → ControllerStarting → Ready
//
// A failure signal from any role moves a non-failed entity to Failed, which
// is terminal. Success and failure are distinct signals, so a failed step
// never advances the chain.
type Lifecycle struct {
	entity string
	state  models.EntityState
}

func NewLifecycle(entity string) *Lifecycle {
	return &Lifecycle{entity: entity, state: models.EntityIdle}
}

func (l *Lifecycle) Entity() string { return l.entity }

func (l *Lifecycle) State() models.EntityState { return l.state }

// Fire applies a signal and returns the new state. The state is unchanged
// when the transition is not allowed.
func (l *Lifecycle) Fire(sig Signal) (models.EntityState, error) {
	if l.state == models.EntityFailed {
		if sig.Kind == SignalFailed {
			return l.state, nil
		}
		return l.state, fmt.Errorf("%w: %s is failed, got %s", ErrInvalidTransition, l.entity, sig)
	}

	if sig.Kind == SignalFailed {
		l.state = models.EntityFailed
		return l.state, nil
	}

	next, ok := transitions[transitionKey{from: l.state, signal: sig}]
	if !ok {
		return l.state, fmt.Errorf("%w: %s in state %s got %s", ErrInvalidTransition, l.entity, l.state, sig)
	}
	l.state = next
	return l.state, nil
}
