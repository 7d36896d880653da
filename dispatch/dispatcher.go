package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hexdigest/cardemu"
	"github.com/hexdigest/cardemu/emv"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	StateIdle        = "idle"
	StateConnecting  = "connecting"
	StateChannelOpen = "channel_open"
	StateDeactivated = "deactivated"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventFail       = "fail"
	eventDeactivate = "deactivate"
)

type logger interface {
	Printf(format string, args ...interface{})
}

type Config struct {
	//DefaultAID is selected on the downstream channel until the reader selects an application
	DefaultAID []byte

	//ConnectTimeout bounds the wait for the secure element service, zero means no limit
	ConnectTimeout time.Duration

	//TransmitTimeout bounds every downstream transmit, zero means no limit
	TransmitTimeout time.Duration
}

type Stats struct {
	Commands  uint64
	Answered  uint64
	Forwarded uint64
	Failures  uint64
	Dropped   uint64
}

//Dispatcher serves the commands of one field activation. Commands the catalog
//knows are answered at once, the rest are relayed in arrival order to the secure
//element by a single worker goroutine that owns the connection, the session and the channel.
type Dispatcher struct {
	conf      Config
	catalog   *emv.Catalog
	provider  Provider
	responder Responder
	observer  Observer
	log       logger
	id        uuid.UUID

	fsm   *fsm.FSM
	queue *queue

	startOnce   sync.Once
	closeOnce   sync.Once
	closing     chan struct{}
	done        chan struct{}
	reason      *atomic.String
	deactivated *atomic.Bool

	seq       *atomic.Uint64
	commands  *atomic.Uint64
	answered  *atomic.Uint64
	forwarded *atomic.Uint64
	failures  *atomic.Uint64
	dropped   *atomic.Uint64

	//owned by the worker
	conn        Connection
	session     Session
	channel     Channel
	channelAID  []byte
	selectedAID []byte
}

//New returns a dispatcher in the idle state. A nil provider means there is no
//secure element: commands the catalog doesn't know are answered with 6F00.
func New(conf Config, catalog *emv.Catalog, provider Provider, responder Responder, observer Observer, lg logger) *Dispatcher {
	if len(conf.DefaultAID) == 0 {
		conf.DefaultAID = emv.VisaAID
	}

	if observer == nil {
		observer = Observers(nil)
	}

	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}

	d := &Dispatcher{
		conf:        conf,
		catalog:     catalog,
		provider:    provider,
		responder:   responder,
		observer:    observer,
		log:         lg,
		id:          uuid.New(),
		queue:       newQueue(),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		reason:      atomic.NewString(""),
		deactivated: atomic.NewBool(false),
		seq:         atomic.NewUint64(0),
		commands:    atomic.NewUint64(0),
		answered:    atomic.NewUint64(0),
		forwarded:   atomic.NewUint64(0),
		failures:    atomic.NewUint64(0),
		dropped:     atomic.NewUint64(0),
	}

	d.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateChannelOpen},
			{Name: eventFail, Src: []string{StateConnecting, StateChannelOpen}, Dst: StateIdle},
			{Name: eventDeactivate, Src: []string{StateIdle, StateConnecting, StateChannelOpen}, Dst: StateDeactivated},
		},
		fsm.Callbacks{
			"enter_state": d.enterState,
		},
	)

	return d
}

//Session identifies the field activation served by the dispatcher
func (d *Dispatcher) Session() uuid.UUID {
	return d.id
}

func (d *Dispatcher) State() string {
	return d.fsm.Current()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Commands:  d.commands.Load(),
		Answered:  d.answered.Load(),
		Forwarded: d.forwarded.Load(),
		Failures:  d.failures.Load(),
		Dropped:   d.dropped.Load(),
	}
}

//Start runs the worker until the dispatcher is deactivated or ctx is done
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

//Wait blocks until the worker has torn everything down, the dispatcher must be started
func (d *Dispatcher) Wait() {
	<-d.done
}

//Done is closed when the dispatcher reaches the deactivated state
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

//OnCommand is called by the reader transport for every command and never waits
//for the secure element. It returns the response when the card can answer by itself,
//otherwise nil and the response is delivered later through the Responder.
func (d *Dispatcher) OnCommand(raw []byte) ([]byte, error) {
	resp, _, err := d.Submit(raw)
	return resp, err
}

//Submit is OnCommand that also returns the sequence number a SequencedResponder
//gets with the deferred response to the command, zero for immediate answers
func (d *Dispatcher) Submit(raw []byte) ([]byte, uint64, error) {
	cl, err := d.catalog.Classify(raw)
	if err != nil {
		d.observeError(err)
		return nil, 0, err
	}

	if d.deactivated.Load() {
		return nil, 0, ErrDeactivated
	}

	d.commands.Inc()

	cmd := cardemu.Concat(raw)
	d.observer.Observe(Event{
		Session: d.id,
		Time:    time.Now(),
		Kind:    EventCommand,
		Hex:     cardemu.BytesToHex(cmd),
		Text:    describeCommand(cl),
	})

	resp, local := d.catalog.Respond(cl)

	if d.provider == nil {
		if !local {
			resp = emv.SWUnknownError.Bytes()
		}
	} else {
		seq := d.seq.Inc()
		d.queue.push(pending{seq: seq, raw: cmd, cl: cl, local: local})
		if !local {
			return nil, seq, nil
		}
	}

	d.answered.Inc()
	d.observer.Observe(responseEvent(d.id, resp, false))

	return resp, 0, nil
}

//OnDeactivate is called by the reader transport when the field is lost. A transmit
//that is already in flight is allowed to complete before the teardown.
func (d *Dispatcher) OnDeactivate(reason string) {
	d.closeOnce.Do(func() {
		d.reason.Store(reason)
		d.deactivated.Store(true)
		close(d.closing)
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-d.closing:
			d.shutdown(d.reason.Load())
			return
		case <-ctx.Done():
			d.deactivated.Store(true)
			d.shutdown(ctx.Err().Error())
			return
		case <-d.queue.Ready():
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) closingNow() bool {
	select {
	case <-d.closing:
		return true
	default:
		return false
	}
}

//drain processes queued commands in FIFO order. A command that couldn't reach the
//secure element stays at the head for the next attempt, a command that was transmitted
//leaves the queue even when the transmit failed: its reader has moved on.
func (d *Dispatcher) drain(ctx context.Context) {
	for !d.closingNow() && ctx.Err() == nil {
		p, ok := d.queue.peek()
		if !ok {
			return
		}

		if d.fsm.Is(StateIdle) {
			if err := d.connect(ctx); err != nil {
				if !d.closingNow() {
					d.fail(err)
				}
				return
			}
		}

		sent, err := d.handle(ctx, p)
		if err == nil || sent {
			d.queue.pop()
		}

		if err != nil {
			d.fail(err)
			return
		}
	}
}

type connectResult struct {
	conn Connection
	err  error
}

//connect waits for the provider with ConnectTimeout. A connection that shows up
//after the wait was abandoned is shut down right away.
func (d *Dispatcher) connect(ctx context.Context) error {
	d.transition(eventConnect)

	cctx, cancel := withTimeout(ctx, d.conf.ConnectTimeout)
	defer cancel()

	result := make(chan connectResult, 1)
	go func() {
		conn, err := d.provider.Connect(cctx)
		result <- connectResult{conn: conn, err: err}
	}()

	var r connectResult

	select {
	case r = <-result:
	case <-cctx.Done():
		go d.abandon(result)
		return channelError(cctx.Err(), "failed to connect to secure element service")
	case <-d.closing:
		go d.abandon(result)
		return channelError(nil, "deactivated while connecting")
	}

	if r.err != nil {
		return channelError(r.err, "failed to connect to secure element service")
	}

	d.conn = r.conn

	session, err := d.conn.OpenSession()
	if err != nil {
		return channelError(err, "failed to open session")
	}

	d.session = session
	d.transition(eventConnected)

	return nil
}

func (d *Dispatcher) abandon(result <-chan connectResult) {
	r := <-result
	if r.err != nil || r.conn == nil {
		return
	}

	if err := r.conn.Shutdown(); err != nil {
		d.log.Printf("failed to shut down abandoned connection: %v", err)
	}
}

//handle reports whether p was sent downstream, successfully or not
func (d *Dispatcher) handle(ctx context.Context, p pending) (bool, error) {
	switch {
	case p.local && p.cl.Kind == emv.KindSelect:
		d.selectedAID = p.cl.AID
		return false, nil
	case p.local:
		return false, nil
	case p.cl.Kind == emv.KindSelect && len(p.cl.AID) > 0:
		return false, d.forwardSelect(p)
	}

	return d.forward(ctx, p)
}

//forwardSelect reopens the channel against the AID the reader asked for,
//the response of the channel's own SELECT is the answer to the command
func (d *Dispatcher) forwardSelect(p pending) error {
	if err := d.openChannel(p.cl.AID); err != nil {
		return err
	}

	d.selectedAID = p.cl.AID

	resp := d.channel.SelectResponse()
	if len(resp) < 2 {
		resp = emv.SWNoError.Bytes()
	}

	d.deliver(p.seq, resp)
	d.forwarded.Inc()

	return nil
}

func (d *Dispatcher) forward(ctx context.Context, p pending) (bool, error) {
	aid := d.selectedAID
	if len(aid) == 0 {
		aid = d.conf.DefaultAID
	}

	if d.channel == nil || !bytes.Equal(d.channelAID, aid) {
		if err := d.openChannel(aid); err != nil {
			return false, err
		}
	}

	tctx, cancel := withTimeout(ctx, d.conf.TransmitTimeout)
	defer cancel()

	resp, err := cardemu.NewAPDUSender(d.channel, d.log).Transmit(tctx, p.raw)
	if err != nil {
		return true, channelError(err, fmt.Sprintf("failed to transmit command #%d", p.seq))
	}

	if len(resp) < 2 {
		return true, channelError(nil, fmt.Sprintf("invalid response to command #%d: %X", p.seq, resp))
	}

	d.deliver(p.seq, resp)
	d.forwarded.Inc()

	return true, nil
}

func (d *Dispatcher) openChannel(aid []byte) error {
	d.closeChannel()

	ch, err := d.session.OpenChannel(aid)
	if err != nil {
		return channelError(err, fmt.Sprintf("failed to open channel to %X", aid))
	}

	d.channel = ch
	d.channelAID = aid

	return nil
}

func (d *Dispatcher) deliver(seq uint64, resp []byte) {
	d.observer.Observe(responseEvent(d.id, resp, true))

	var err error
	if sr, ok := d.responder.(SequencedResponder); ok {
		err = sr.SendSequenced(seq, resp)
	} else {
		err = d.responder.SendResponse(resp)
	}

	if err != nil {
		d.observeError(errors.Wrap(err, "failed to send response"))
	}
}

//fail tears the downstream down and goes back to idle, commands still queued are kept
func (d *Dispatcher) fail(err error) {
	d.failures.Inc()
	d.observeError(err)
	d.teardown()

	if !d.fsm.Is(StateIdle) {
		d.transition(eventFail)
	}
}

//shutdown is the terminal teardown, commands still queued are dropped without an answer
func (d *Dispatcher) shutdown(reason string) {
	d.teardown()

	if n := d.queue.clear(); n > 0 {
		d.dropped.Add(uint64(n))
		d.log.Printf("%d queued commands dropped", n)
	}

	d.transition(eventDeactivate, reason)
}

//teardown closes the channel, the session and the connection in this order.
//Every step is attempted whatever the previous one returned.
func (d *Dispatcher) teardown() {
	d.closeChannel()

	if d.session != nil {
		if err := d.session.Close(); err != nil {
			d.observeError(errors.Wrap(err, "failed to close session"))
		}
		d.session = nil
	}

	if d.conn != nil {
		if err := d.conn.Shutdown(); err != nil {
			d.observeError(errors.Wrap(err, "failed to shut down connection"))
		}
		d.conn = nil
	}
}

func (d *Dispatcher) closeChannel() {
	if d.channel == nil {
		return
	}

	if err := d.channel.Close(); err != nil {
		d.observeError(errors.Wrap(err, "failed to close channel"))
	}

	d.channel = nil
	d.channelAID = nil
}

//transitions are driven by the worker only, so the error can only be a programming error
func (d *Dispatcher) transition(event string, args ...interface{}) {
	if err := d.fsm.Event(context.Background(), event, args...); err != nil {
		d.log.Printf("unexpected %s event in %s state: %v", event, d.fsm.Current(), err)
	}
}

func (d *Dispatcher) enterState(_ context.Context, e *fsm.Event) {
	text := e.Dst
	if len(e.Args) > 0 {
		text = fmt.Sprintf("%s: %v", e.Dst, e.Args[0])
	}

	d.observer.Observe(Event{Session: d.id, Time: time.Now(), Kind: EventState, Text: text})
}

func (d *Dispatcher) observeError(err error) {
	d.observer.Observe(Event{Session: d.id, Time: time.Now(), Kind: EventError, Text: err.Error()})
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}

	return context.WithCancel(ctx)
}

func describeCommand(cl emv.Classification) string {
	if cl.Entry != nil {
		return cl.Entry.Name
	}

	if cl.Kind == emv.KindSelect && len(cl.AID) > 0 {
		return fmt.Sprintf("SELECT %X (relay)", cl.AID)
	}

	return cl.Kind.String() + " (relay)"
}
