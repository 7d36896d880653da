package listener

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/clausecker/nfc/v2"
	"github.com/google/uuid"
	"github.com/hexdigest/cardemu/dispatch"
	"github.com/hexdigest/cardemu/emv"
	"github.com/pkg/errors"
)

const (
	//TargetInit returns every initTimeout so the loop can notice the context is done
	initTimeout = 1000 //ms

	maxFrame = 264
)

type logger interface {
	Printf(format string, args ...interface{})
}

//device is the target mode part of a libnfc device
type device interface {
	TargetInit(t nfc.Target, rx []byte, timeout int) (int, error)
	TargetReceiveBytes(rx []byte, timeout int) (int, error)
	TargetSendBytes(tx []byte, timeout int) (int, error)
	String() string
	Close() error
}

//Factory returns a dispatcher for a new field activation, responder delivers its deferred answers
type Factory func(responder dispatch.Responder) *dispatch.Dispatcher

type Config struct {
	ConnString      string
	DelayAfterError time.Duration

	//ResponseTimeout bounds the wait for a relayed response, the reader gets 6F00 instead
	ResponseTimeout time.Duration

	Logger logger
}

//Activation summarizes one field activation once the reader is gone
type Activation struct {
	Session uuid.UUID
	Reason  string
	Stats   dispatch.Stats
}

//Chan opens the device described by connstring, emulates a card on it and returns
//a chan that a summary of every served activation is sent to or an error
func Chan(ctx context.Context, conf Config, factory Factory) (<-chan Activation, error) {
	dev, err := nfc.Open(conf.ConnString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open connection to reader")
	}

	conf.Logger.Printf("successfully connected to the reader: %s (%s)", dev.String(), conf.ConnString)

	return run(ctx, dev, conf, factory), nil
}

func run(ctx context.Context, dev device, conf Config, factory Factory) <-chan Activation {
	ch := make(chan Activation)

	go func() {
		defer close(ch)
		defer dev.Close()

		for ctx.Err() == nil {
			a, err := serve(ctx, dev, conf, factory)
			if errors.Cause(err) == nfc.ETIMEOUT {
				continue
			}

			if err != nil {
				conf.Logger.Printf("failed to serve reader: %v\n", err)
				sleep(ctx, conf.DelayAfterError)
				continue
			}

			select {
			case ch <- a:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

//Target is the ISO14443A-4 card presented to readers
func Target() *nfc.ISO14443aTarget {
	t := &nfc.ISO14443aTarget{
		Atqa:   [2]byte{0x00, 0x04},
		Sak:    0x20, //ISO14443-4 compliant
		UIDLen: 4,
	}

	//PN53x chips replace the first UID byte with 0x08, the rest is random
	t.UID[0] = 0x08
	rand.Read(t.UID[1:t.UIDLen])

	return t
}

//serve waits for a reader and answers its commands until the field is lost.
//Only one command is in flight: the next one is received after the answer is sent.
func serve(ctx context.Context, dev device, conf Config, factory Factory) (Activation, error) {
	rx := make([]byte, maxFrame)

	n, err := dev.TargetInit(Target(), rx, initTimeout)
	if err != nil {
		return Activation{}, err
	}

	ex := dispatch.NewExchange(conf.ResponseTimeout)
	d := factory(ex)
	ex.Attach(d)

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.Start(dctx)

	reason := "reader is gone"
	cmd := rx[:n]

serving:
	for {
		resp, err := ex.Transmit(ctx, cmd)

		switch cause := errors.Cause(err); {
		case err == nil:
		case cause == emv.ErrInvalidCommand:
			//not even CLA and INS, no answer at all
		case cause == dispatch.ErrNoResponse:
			conf.Logger.Printf("no relayed response to %X: %v\n", cmd, err)
			resp = emv.SWUnknownError.Bytes()
		default:
			reason = err.Error()
			break serving
		}

		if resp != nil {
			if _, err := dev.TargetSendBytes(resp, 0); err != nil {
				reason = releaseReason(err)
				break
			}
		}

		n, err = dev.TargetReceiveBytes(rx, 0)
		if err != nil {
			reason = releaseReason(err)
			break
		}

		cmd = rx[:n]
	}

	d.OnDeactivate(reason)
	d.Wait()

	return Activation{Session: d.Session(), Reason: reason, Stats: d.Stats()}, nil
}

func releaseReason(err error) string {
	if errors.Cause(err) == nfc.ETGRELEASED {
		return "field lost"
	}

	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
