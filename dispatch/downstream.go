package dispatch

import (
	"context"

	"github.com/pkg/errors"
)

//ErrChannel is the cause of every failure to connect, open a session or a channel
//or to transmit a command downstream. The dispatcher recovers from it by tearing
//everything down and retrying on the next command.
var ErrChannel = errors.New("downstream channel failure")

//ErrDeactivated is returned for commands delivered after the field was lost
var ErrDeactivated = errors.New("dispatcher is deactivated")

//Provider establishes a connection to the secure element service
type Provider interface {
	Connect(ctx context.Context) (Connection, error)
}

type Connection interface {
	OpenSession() (Session, error)
	Shutdown() error
}

type Session interface {
	//OpenChannel opens a channel and selects aid on it
	OpenChannel(aid []byte) (Channel, error)
	Close() error
}

type Channel interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)

	//SelectResponse is the response to the SELECT issued when the channel was opened
	SelectResponse() []byte
	Close() error
}

//Responder delivers deferred responses back to the reader
type Responder interface {
	SendResponse(resp []byte) error
}

//SequencedResponder is told which command a deferred response answers, seq is
//the one Dispatcher.Submit returned for it. The dispatcher calls SendSequenced
//instead of SendResponse when its responder implements it.
type SequencedResponder interface {
	Responder
	SendSequenced(seq uint64, resp []byte) error
}

func channelError(err error, op string) error {
	if err == nil {
		return errors.Wrap(ErrChannel, op)
	}

	return errors.Wrapf(ErrChannel, "%s: %v", op, err)
}
