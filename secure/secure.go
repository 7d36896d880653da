//Package secure relays commands to a secure element (a SIM or any smart card)
//behind a PC/SC reader
package secure

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"github.com/hexdigest/cardemu/dispatch"
	"github.com/pkg/errors"
)

//ErrNoReader is returned when no reader name starts with the configured prefix
var ErrNoReader = errors.New("no secure element reader found")

type logger interface {
	Printf(format string, args ...interface{})
}

type Config struct {
	//ReaderPrefix selects the first reader whose name starts with it, empty matches any reader
	ReaderPrefix string

	//BasicChannel disables MANAGE CHANNEL, applications are selected on the basic channel
	BasicChannel bool

	Logger logger
}

//pcsc is the part of the PC/SC resource manager context the provider needs
type pcsc interface {
	ListReaders() ([]string, error)
	Connect(reader string) (card, error)
	Release() error
}

type card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

type scardContext struct {
	ctx *scard.Context
}

func establishContext() (pcsc, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}

	return scardContext{ctx: ctx}, nil
}

func (c scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c scardContext) Connect(reader string) (card, error) {
	//T=0 or T=1 explicitly, some readers reject ProtocolAny
	crd, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return nil, err
	}

	return crd, nil
}

func (c scardContext) Release() error {
	return c.ctx.Release()
}

//Provider implements dispatch.Provider on top of PC/SC
type Provider struct {
	conf      Config
	establish func() (pcsc, error)
}

func NewProvider(conf Config) *Provider {
	if conf.Logger == nil {
		conf.Logger = log.New(io.Discard, "", 0)
	}

	return &Provider{conf: conf, establish: establishContext}
}

//Connect establishes a PC/SC context. The context can't be interrupted once
//the resource manager is called, ctx is only checked before that.
func (p *Provider) Connect(ctx context.Context) (dispatch.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := p.establish()
	if err != nil {
		return nil, errors.Wrap(err, "failed to establish PC/SC context")
	}

	return &Connection{conf: p.conf, pcsc: pc}, nil
}

//Connection is a PC/SC context
type Connection struct {
	conf Config
	pcsc pcsc
}

//OpenSession connects to the first reader matching the configured prefix
func (c *Connection) OpenSession() (dispatch.Session, error) {
	readers, err := c.pcsc.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list readers")
	}

	reader, ok := pickReader(readers, c.conf.ReaderPrefix)
	if !ok {
		return nil, errors.Wrapf(ErrNoReader, "prefix %q, readers %v", c.conf.ReaderPrefix, readers)
	}

	crd, err := c.pcsc.Connect(reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", reader)
	}

	c.conf.Logger.Printf("successfully connected to the secure element: %s", reader)

	return &Session{conf: c.conf, reader: reader, card: crd}, nil
}

func (c *Connection) Shutdown() error {
	return errors.Wrap(c.pcsc.Release(), "failed to release PC/SC context")
}

func pickReader(readers []string, prefix string) (string, bool) {
	for _, r := range readers {
		if strings.HasPrefix(r, prefix) {
			return r, true
		}
	}

	return "", false
}

//Session is a connection to the card in one reader. Commands of all
//its channels are serialized.
type Session struct {
	conf   Config
	reader string

	mu   sync.Mutex
	card card
}

func (s *Session) Reader() string {
	return s.reader
}

//OpenChannel opens a logical channel and selects aid on it. The basic channel
//is used when logical channels are disabled or the card refuses to open one.
func (s *Session) OpenChannel(aid []byte) (dispatch.Channel, error) {
	var number byte

	if !s.conf.BasicChannel {
		n, err := s.manageChannelOpen()
		if err != nil {
			s.conf.Logger.Printf("falling back to the basic channel: %v", err)
		} else {
			number = n
		}
	}

	ch := &Channel{session: s, number: number}

	resp, err := s.exchange(selectCommand(aid, number))
	if err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "failed to select %X", aid)
	}

	if sw := statusWord(resp); sw != swNoError {
		ch.Close()
		return nil, errors.Wrapf(ErrSelect, "%X: %04X", aid, sw)
	}

	ch.selectResponse = resp
	s.conf.Logger.Printf("selected %X on channel %d of %s", aid, number, s.reader)

	return ch, nil
}

//Close leaves the card as is for other applications
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Wrap(s.card.Disconnect(scard.LeaveCard), "failed to disconnect")
}
