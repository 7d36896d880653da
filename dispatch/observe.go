package dispatch

import (
	"time"

	"github.com/google/uuid"
	"github.com/hexdigest/cardemu"
	"github.com/hexdigest/cardemu/emv"
)

type EventKind string

const (
	EventCommand  EventKind = "command"
	EventResponse EventKind = "response"
	EventError    EventKind = "error"
	EventState    EventKind = "state"
)

//Event is published for every command, response, error and state change
//of a dispatcher. Events of one field activation share the Session ID.
type Event struct {
	Session uuid.UUID `json:"session"`
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`

	//Hex is the command or the response, empty for state and error events
	Hex string `json:"hex,omitempty"`

	//Text is the classification of a command, the decoded response,
	//the error message or the new state
	Text string `json:"text,omitempty"`

	//Deferred is true for responses delivered through the Responder
	Deferred bool `json:"deferred,omitempty"`
}

//Observer must not block, it is called from the reader callback
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

//Observers publishes events to every observer in order
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

//ChanObserver sends events to a channel dropping them when the channel is full
type ChanObserver chan<- Event

func (c ChanObserver) Observe(e Event) {
	select {
	case c <- e:
	default:
	}
}

//LogObserver prints events in a human readable form
type LogObserver struct {
	Logger logger
}

func (l LogObserver) Observe(e Event) {
	session := e.Session.String()[:8]

	switch e.Kind {
	case EventCommand:
		l.Logger.Printf("[%s] reader: %s %s", session, e.Hex, e.Text)
	case EventResponse:
		how := "card"
		if e.Deferred {
			how = "card (relayed)"
		}
		l.Logger.Printf("[%s] %s: %s", session, how, e.Text)
	case EventError:
		l.Logger.Printf("[%s] error: %s", session, e.Text)
	case EventState:
		l.Logger.Printf("[%s] state: %s", session, e.Text)
	}
}

func responseEvent(session uuid.UUID, resp []byte, deferred bool) Event {
	return Event{
		Session:  session,
		Time:     time.Now(),
		Kind:     EventResponse,
		Hex:      cardemu.BytesToHex(resp),
		Text:     emv.Describe(resp),
		Deferred: deferred,
	}
}
