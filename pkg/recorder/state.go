package recorder

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the recorder lifecycle state.
type Status string

// Recorder states. Listening ⇄ Recording is the steady-state cycle.
const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusListening    Status = "listening"
	StatusRecording    Status = "recording"
	StatusProcessing   Status = "processing"
	StatusError        Status = "error"
)

// State machine events.
const (
	evInitialize = "initialize"
	evReady      = "ready"
	evRecord     = "record"
	evFinish     = "finish"
	evResume     = "resume"
	evStop       = "stop"
	evFail       = "fail"
)

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			{Name: evInitialize, Src: []string{string(StatusIdle), string(StatusError)}, Dst: string(StatusInitializing)},
			{Name: evReady, Src: []string{string(StatusInitializing)}, Dst: string(StatusListening)},
			{Name: evRecord, Src: []string{string(StatusListening)}, Dst: string(StatusRecording)},
			{Name: evFinish, Src: []string{string(StatusRecording)}, Dst: string(StatusProcessing)},
			{Name: evResume, Src: []string{string(StatusProcessing)}, Dst: string(StatusListening)},
			{Name: evStop, Src: []string{
				string(StatusListening), string(StatusRecording),
				string(StatusProcessing), string(StatusError),
			}, Dst: string(StatusIdle)},
			{Name: evFail, Src: []string{
				string(StatusIdle), string(StatusInitializing), string(StatusListening),
				string(StatusRecording), string(StatusProcessing),
			}, Dst: string(StatusError)},
		},
		fsm.Callbacks{},
	)
}

// transition fires ev and reports illegal transitions as ErrInvalidState.
// Must be called with r.mu held.
func (r *Recorder) transition(ev string) error {
	from := r.machine.Current()
	if err := r.machine.Event(context.Background(), ev); err != nil {
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, ev, from)
	}
	return nil
}

// status must be called with r.mu held.
func (r *Recorder) status() Status {
	return Status(r.machine.Current())
}
