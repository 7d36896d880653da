package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clausecker/nfc/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/hexdigest/cardemu"
	"github.com/hexdigest/cardemu/dispatch"
	"github.com/hexdigest/cardemu/emv"
	"github.com/hexdigest/cardemu/listener"
	"github.com/hexdigest/cardemu/secure"
	"github.com/spf13/viper"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	runSelfTest := flag.Bool("selftest", false, "read the emulated card in-process and exit")
	flag.Parse()

	lg := log.New(newAsyncWriter(os.Stdout, 1000), "", log.LstdFlags)

	v := viper.New()
	cfg, err := loadConfig(v, *configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v\n", err)
	}

	profile := newProfile(cfg.Card.SwipeData, lg)

	aid, err := cardemu.HexToBytes(cfg.Card.AID)
	if err != nil {
		log.Fatalf("invalid card.aid %q: %v\n", cfg.Card.AID, err)
	}

	if _, err := os.Stat(*configPath); err == nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloaded, err := loadConfig(v, *configPath)
			if err != nil {
				lg.Printf("failed to reload %s: %v\n", e.Name, err)
				return
			}

			reconfigure(profile, reloaded.Card.SwipeData, lg)
		})
		v.WatchConfig()
	}

	var provider dispatch.Provider
	if cfg.SE.Enabled {
		provider = secure.NewProvider(secure.Config{
			ReaderPrefix: cfg.SE.ReaderPrefix,
			BasicChannel: cfg.SE.BasicChannel,
			Logger:       lg,
		})
	}

	dConf := dispatch.Config{
		DefaultAID:      aid,
		ConnectTimeout:  cfg.SE.ConnectTimeout,
		TransmitTimeout: cfg.SE.TransmitTimeout,
	}

	catalog := emv.NewCatalog(profile)

	if *runSelfTest {
		factory := newFactory(dConf, catalog, provider, dispatch.LogObserver{Logger: lg}, lg)

		card, stats, err := selfTest(factory, cfg.NFC.ResponseTimeout, lg)
		if err != nil {
			log.Fatalf("%v\n", err)
		}

		log.Printf("self-test passed: %s %s %02d/%02d, %d commands, %d relayed\n",
			card.Type, card.PAN, card.ExpMonth, card.ExpYear, stats.Commands, stats.Forwarded)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connString := cfg.NFC.Device
	if connString == "" {
		readers, err := nfc.ListDevices()
		if err != nil {
			log.Fatalf("failed to list available readers: %v\n", err)
		}

		if len(readers) == 0 {
			log.Fatalf("no NFC readers found\n")
		}

		connString = readers[0]
	}

	events := make(chan dispatch.Event, 256)
	h := newHub(lg)
	go h.run(events)

	observer := dispatch.Observers{dispatch.LogObserver{Logger: lg}, dispatch.ChanObserver(events)}

	lConf := listener.Config{
		ConnString:      connString,
		DelayAfterError: cfg.NFC.DelayAfterError,
		ResponseTimeout: cfg.NFC.ResponseTimeout,
		Logger:          lg,
	}

	activations, err := listener.Chan(ctx, lConf, newFactory(dConf, catalog, provider, observer, lg))
	if err != nil {
		log.Fatalf("failed to create listener for %s: %v\n", connString, err)
	}

	if cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", h)
		mux.HandleFunc("/", rootHandler)

		go func() {
			if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
				lg.Printf("http server stopped: %v\n", err)
			}
		}()
	}

	for a := range activations {
		lg.Printf("[%.8s] reader is gone (%s): %d commands, %d answered, %d relayed, %d failures, %d dropped\n",
			a.Session, a.Reason, a.Stats.Commands, a.Stats.Answered, a.Stats.Forwarded, a.Stats.Failures, a.Stats.Dropped)
	}
}

//newFactory returns dispatchers sharing the catalog, the secure element provider and the observer
func newFactory(conf dispatch.Config, catalog *emv.Catalog, provider dispatch.Provider, observer dispatch.Observer, lg logger) listener.Factory {
	return func(r dispatch.Responder) *dispatch.Dispatcher {
		return dispatch.New(conf, catalog, provider, r, observer, lg)
	}
}

type asyncWriter struct {
	w  io.Writer
	ch chan string
}

func newAsyncWriter(w io.Writer, bufSize int) asyncWriter {
	aw := asyncWriter{
		w:  w,
		ch: make(chan string, bufSize),
	}

	go func() {
		for s := range aw.ch {
			aw.w.Write([]byte(s))
		}
	}()

	return aw
}

// Write implements io.Writer
func (aw asyncWriter) Write(p []byte) (n int, err error) {
	aw.ch <- string(p)
	return len(p), nil
}
