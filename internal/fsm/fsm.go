// Package fsm holds the transition tables for dictation sessions, model load
// requests, and transcription jobs.
package fsm

import "fmt"

type State string

type Event string

// Dictation session states.
const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateError        State = "error"
)

// Dictation session events.
const (
	EventStart       Event = "start"
	EventStop        Event = "stop"
	EventCancel      Event = "cancel"
	EventTranscribed Event = "transcribed"
	EventFail        Event = "fail"
	EventReset       Event = "reset"
)

// Load request states.
const (
	LoadQueued        State = "queued"
	LoadResolving     State = "resolving-files"
	LoadDownloading   State = "downloading"
	LoadInstantiating State = "instantiating"
	LoadLoaded        State = "loaded"
	LoadFailed        State = "failed"
	LoadCancelled     State = "cancelled"
)

// Load request events.
const (
	LoadEventResolve     Event = "resolve"
	LoadEventDownload    Event = "download"
	LoadEventInstantiate Event = "instantiate"
	LoadEventSucceed     Event = "succeed"
)

// Transcription job states.
const (
	JobQueued    State = "queued"
	JobRunning   State = "running"
	JobCompleted State = "completed"
	JobCancelled State = "cancelled"
	JobFailed    State = "failed"
)

// Transcription job events.
const (
	JobEventRun      Event = "run"
	JobEventComplete Event = "complete"
)

// Machine is one transition table. fail and cancel, when set, apply from
// every non-terminal state.
type Machine struct {
	name      string
	edges     map[State]map[Event]State
	terminal  map[State]bool
	onFail    State
	onCancel  State
	failEvent Event
}

var Session = Machine{
	name: "session",
	edges: map[State]map[Event]State{
		StateIdle:         {EventStart: StateRecording},
		StateRecording:    {EventStop: StateTranscribing, EventCancel: StateIdle},
		StateTranscribing: {EventTranscribed: StateIdle, EventCancel: StateIdle},
		StateError:        {EventReset: StateIdle},
	},
	onFail:    StateError,
	failEvent: EventFail,
}

var Load = Machine{
	name: "load",
	edges: map[State]map[Event]State{
		LoadQueued:        {LoadEventResolve: LoadResolving},
		LoadResolving:     {LoadEventDownload: LoadDownloading, LoadEventInstantiate: LoadInstantiating},
		LoadDownloading:   {LoadEventInstantiate: LoadInstantiating},
		LoadInstantiating: {LoadEventSucceed: LoadLoaded},
	},
	terminal:  map[State]bool{LoadLoaded: true, LoadFailed: true, LoadCancelled: true},
	onFail:    LoadFailed,
	onCancel:  LoadCancelled,
	failEvent: EventFail,
}

var Job = Machine{
	name: "job",
	edges: map[State]map[Event]State{
		JobQueued:  {JobEventRun: JobRunning},
		JobRunning: {JobEventComplete: JobCompleted},
	},
	terminal:  map[State]bool{JobCompleted: true, JobCancelled: true, JobFailed: true},
	onFail:    JobFailed,
	onCancel:  JobCancelled,
	failEvent: EventFail,
}

// Transition applies one dictation session event.
func Transition(current State, event Event) (State, error) {
	return Session.Transition(current, event)
}

func (m Machine) Transition(current State, event Event) (State, error) {
	edges, known := m.edges[current]
	if !known && !m.terminal[current] {
		if event == m.failEvent && m.onFail != "" {
			return m.onFail, nil
		}
		return current, fmt.Errorf("unknown %s state %q", m.name, current)
	}
	if m.terminal[current] {
		return current, invalidTransition(current, event)
	}

	if event == m.failEvent && m.onFail != "" {
		return m.onFail, nil
	}
	if event == EventCancel && m.onCancel != "" {
		return m.onCancel, nil
	}
	if next, ok := edges[event]; ok {
		return next, nil
	}
	return current, invalidTransition(current, event)
}

// Terminal reports whether state ends the machine's lifecycle.
func (m Machine) Terminal(state State) bool {
	return m.terminal[state]
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
