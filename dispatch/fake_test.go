package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hexdigest/cardemu"
	"github.com/hexdigest/cardemu/emv"
	"github.com/pkg/errors"
)

//recorder keeps the order of calls made to the fake secure element
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.get() {
		if c == call || strings.HasPrefix(c, call+" ") {
			n++
		}
	}

	return n
}

type fakeProvider struct {
	rec recorder

	mu          sync.Mutex
	connectErrs []error
	transmitErr []error

	//gate holds Connect until closed
	gate chan struct{}

	//ignoreCtx makes Connect wait for the gate even after ctx is done
	ignoreCtx bool

	sessionErr     error
	openErr        error
	closeErr       error
	sessionCloseEr error
	shutdownErr    error
}

func (p *fakeProvider) Connect(ctx context.Context) (Connection, error) {
	p.rec.add("connect")

	if p.gate != nil {
		if p.ignoreCtx {
			<-p.gate
		} else {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.connectErrs) > 0 {
		err := p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	return &fakeConnection{p: p}, nil
}

func (p *fakeProvider) nextTransmitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.transmitErr) == 0 {
		return nil
	}

	err := p.transmitErr[0]
	p.transmitErr = p.transmitErr[1:]

	return err
}

type fakeConnection struct {
	p *fakeProvider
}

func (c *fakeConnection) OpenSession() (Session, error) {
	c.p.rec.add("session.open")
	if c.p.sessionErr != nil {
		return nil, c.p.sessionErr
	}

	return &fakeSession{p: c.p}, nil
}

func (c *fakeConnection) Shutdown() error {
	c.p.rec.add("connection.shutdown")
	return c.p.shutdownErr
}

type fakeSession struct {
	p *fakeProvider
}

func (s *fakeSession) OpenChannel(aid []byte) (Channel, error) {
	s.p.rec.add("channel.open %X", aid)
	if s.p.openErr != nil {
		return nil, s.p.openErr
	}

	return &fakeChannel{p: s.p, aid: aid}, nil
}

func (s *fakeSession) Close() error {
	s.p.rec.add("session.close")
	return s.p.sessionCloseEr
}

type fakeChannel struct {
	p   *fakeProvider
	aid []byte
}

//Transmit echoes the command followed by 9000
func (c *fakeChannel) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	c.p.rec.add("transmit %X", cmd)

	if err := c.p.nextTransmitErr(); err != nil {
		return nil, err
	}

	return cardemu.Concat(cmd, emv.SWNoError.Bytes()), nil
}

func (c *fakeChannel) SelectResponse() []byte {
	return cardemu.Concat([]byte{0x6F, byte(len(c.aid) + 2), 0x84, byte(len(c.aid))}, c.aid, emv.SWNoError.Bytes())
}

func (c *fakeChannel) Close() error {
	c.p.rec.add("channel.close")
	return c.p.closeErr
}

type fakeResponder struct {
	responses chan []byte
	err       error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{responses: make(chan []byte, 64)}
}

func (r *fakeResponder) SendResponse(resp []byte) error {
	r.responses <- resp
	return r.err
}

//fakeSequencedResponder records sequence numbers of deferred responses
type fakeSequencedResponder struct {
	*fakeResponder

	mu   sync.Mutex
	seqs []uint64
}

func (r *fakeSequencedResponder) SendSequenced(seq uint64, resp []byte) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, seq)
	r.mu.Unlock()

	return r.SendResponse(resp)
}

func (r *fakeSequencedResponder) sequence() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]uint64(nil), r.seqs...)
}

var errBoom = errors.New("boom")
