package coordinator

import "fmt"

// State is the run state of the output coordinator.
type State uint8

const (
	StateIdle State = iota
	StateArmed
	StateRunning
	StateStoppedAndWaiting
	StateDisabled
)

var stateNames = map[State]string{
	StateIdle:              "Idle",
	StateArmed:             "Armed",
	StateRunning:           "Running",
	StateStoppedAndWaiting: "StoppedAndWaiting",
	StateDisabled:          "Disabled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// LoopPolicy decides what happens to partially consumed loop counters when a
// new run starts.
type LoopPolicy uint8

const (
	// LoopsReloadEachRun restores every counter to its written value at the
	// start of each run.
	LoopsReloadEachRun LoopPolicy = iota
	// LoopsPersistAcrossRuns keeps counters as the previous run left them.
	// Exhausted counters still reload when their instruction falls through.
	LoopsPersistAcrossRuns
)

func (p LoopPolicy) String() string {
	switch p {
	case LoopsReloadEachRun:
		return "reload"
	case LoopsPersistAcrossRuns:
		return "persist"
	}
	return fmt.Sprintf("LoopPolicy(%d)", p)
}
