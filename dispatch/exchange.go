package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/hexdigest/cardemu"
	"github.com/pkg/errors"
)

//ErrNoResponse is returned by Exchange.Transmit when a deferred response didn't arrive in time
var ErrNoResponse = errors.New("no response from secure element")

//Exchange turns the dispatcher's immediate and deferred answers back into a plain
//request/response exchange with at most one command in flight. It is the Responder
//of the dispatcher it is attached to and a cardemu.Transmitter for the reader side.
//Deferred responses to commands other than the one in flight are dropped.
type Exchange struct {
	timeout   time.Duration
	responses chan reply

	mu sync.Mutex
	d  *Dispatcher
}

//NewExchange returns an exchange waiting at most timeout for deferred responses,
//zero means waiting until the context is done
func NewExchange(timeout time.Duration) *Exchange {
	return &Exchange{
		timeout:   timeout,
		responses: make(chan reply, 16),
	}
}

//Attach sets the dispatcher commands are delivered to
func (e *Exchange) Attach(d *Dispatcher) {
	e.mu.Lock()
	e.d = d
	e.mu.Unlock()
}

//reply with seq zero answers whatever command is in flight
type reply struct {
	seq  uint64
	resp []byte
}

//SendResponse implements Responder
func (e *Exchange) SendResponse(resp []byte) error {
	return e.SendSequenced(0, resp)
}

//SendSequenced implements SequencedResponder
func (e *Exchange) SendSequenced(seq uint64, resp []byte) error {
	select {
	case e.responses <- reply{seq: seq, resp: cardemu.Concat(resp)}:
		return nil
	default:
		return errors.Errorf("response buffer is full, %X is lost", resp)
	}
}

//Transmit implements cardemu.Transmitter
func (e *Exchange) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	e.mu.Lock()
	d := e.d
	e.mu.Unlock()

	if d == nil {
		return nil, errors.New("exchange is not attached to a dispatcher")
	}

	//anything buffered now answers a command the reader gave up on
	e.discardLate()

	resp, seq, err := d.Submit(cmd)
	if err != nil {
		return nil, err
	}

	if resp != nil {
		return resp, nil
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	for {
		select {
		case r := <-e.responses:
			if r.seq != 0 && r.seq != seq {
				continue
			}
			return r.resp, nil
		case <-d.Done():
			return nil, ErrDeactivated
		case <-ctx.Done():
			return nil, errors.Wrap(ErrNoResponse, ctx.Err().Error())
		}
	}
}

func (e *Exchange) discardLate() {
	for {
		select {
		case <-e.responses:
		default:
			return
		}
	}
}
