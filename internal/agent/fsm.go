package agent

// State of the autonomous loop.
type State string

const (
	StateIdle       State = "IDLE"
	StateLearning   State = "LEARNING"
	StatePerception State = "PERCEPTION"
	StateReasoning  State = "REASONING"
	StateRiskCheck  State = "RISK_CHECK"
	StateExecution  State = "EXECUTION"
	StateStopped    State = "STOPPED"
)

// Event drives a state transition.
type Event string

const (
	EventIntervalElapsed   Event = "interval_elapsed"
	EventOutcomesProcessed Event = "outcomes_processed"
	EventKillSwitch        Event = "kill_switch"
	EventDataOK            Event = "data_ok"
	EventActionableSignal  Event = "actionable_signal"
	EventNoSignal          Event = "no_signal"
	EventApproved          Event = "approved"
	EventRejected          Event = "rejected"
	EventSuccess           Event = "success"
	EventFailure           Event = "failure"
	EventStop              Event = "stop"
	EventFatal             Event = "fatal"
)

// Transition is one row of the loop's control table.
type Transition struct {
	From  State
	Event Event
	To    State
}

// Transitions is the complete transition table. The loop performs no
// state change that is not a row here; Stop and Fatal are legal from
// every state.
var Transitions = []Transition{
	{StateIdle, EventIntervalElapsed, StateLearning},
	{StateLearning, EventOutcomesProcessed, StatePerception},
	{StatePerception, EventKillSwitch, StateStopped},
	{StatePerception, EventDataOK, StateReasoning},
	{StateReasoning, EventActionableSignal, StateRiskCheck},
	{StateReasoning, EventNoSignal, StateIdle},
	{StateRiskCheck, EventApproved, StateExecution},
	{StateRiskCheck, EventRejected, StatePerception},
	{StateExecution, EventSuccess, StateLearning},
	{StateExecution, EventFailure, StatePerception},
}

// next resolves a transition. Stop and Fatal short-circuit to STOPPED
// from any state.
func next(from State, ev Event) (State, bool) {
	if ev == EventStop || ev == EventFatal {
		return StateStopped, true
	}
	for _, t := range Transitions {
		if t.From == from && t.Event == ev {
			return t.To, true
		}
	}
	return from, false
}
