package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateBypass         State = "bypass"
	StateInQueue        State = "in_queue"
	StateHasCredentials State = "has_credentials"
	StateNoQueue        State = "no_queue"
	StateError          State = "error"
)

const (
	EventConnect     Event = "connect"
	EventPreflightOK Event = "preflight_ok"
	EventMicDenied   Event = "mic_denied"
	EventEnqueued    Event = "enqueued"
	EventQueueUpdate Event = "queue_update"
	EventCredentials Event = "credentials"
	EventNoQueue     Event = "no_queue"
	EventFail        Event = "fail"
	EventReset       Event = "reset"
)

func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateError, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventConnect:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventPreflightOK:
			return StateBypass, nil
		case EventMicDenied:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateBypass:
		switch event {
		case EventEnqueued:
			return StateInQueue, nil
		case EventCredentials:
			return StateHasCredentials, nil
		case EventNoQueue:
			return StateNoQueue, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateInQueue:
		switch event {
		case EventQueueUpdate:
			return StateInQueue, nil
		case EventCredentials:
			return StateHasCredentials, nil
		case EventNoQueue:
			return StateNoQueue, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateHasCredentials, StateNoQueue, StateError:
		switch event {
		case EventReset:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
