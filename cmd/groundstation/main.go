package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/protocol"
	"github.com/shaunagostinho/groundstation/internal/server"
	"github.com/shaunagostinho/groundstation/internal/station"
	"github.com/shaunagostinho/groundstation/internal/uplink"
	"github.com/shaunagostinho/groundstation/web"
)

func main() {
	configPath := flag.String("config", "/etc/groundstation/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated flight computer")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Serial port of the primary radio (e.g. /dev/ttyUSB0 or COM17)")
	port2 := flag.String("port2", "", "Serial port of the secondary radio")
	proto := flag.String("protocol", "", "Wire protocol: binary or ascii")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *listPorts {
		ports, err := link.ListPorts()
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	log.Println("[main] groundstation starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Link.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Link.Type = "serial"
		cfg.SetPort(0, *port)
	}
	if *port2 != "" {
		cfg.SetPort(1, *port2)
	}
	if *proto != "" {
		cfg.Link.Protocol = *proto
	}

	codec, err := protocol.ByName(cfg.Link.Protocol)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	st := station.New(station.Config{
		PlotCapacity: cfg.History.PlotCapacity,
		TextCapacity: cfg.History.TextCapacity,
		StaleAfter:   cfg.History.StaleAfter(),
	})

	uplinkDone := make(chan struct{})
	if cfg.Uplink.URL != "" {
		opts, err := uplink.ParseURL(cfg.Uplink.URL)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		interval := time.Duration(cfg.Uplink.IntervalMs) * time.Millisecond
		go func() {
			defer close(uplinkDone)
			runUplink(ctx, st, func() (observerCloser, error) { return uplink.Connect(opts, interval) })
		}()
	} else {
		close(uplinkDone)
	}

	linkCfg := link.Config{
		Ports: cfg.LinkPorts(),
		Codec: codec,
		Echo:  cfg.Link.Echo,
	}
	if cfg.Link.Type == "demo" {
		linkCfg.Opener = link.DemoOpener(codec)
	}
	sess, err := link.NewSession(linkCfg, st)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	st.Attach(sess)

	// Dashboard starts regardless; the link comes up when the radio does.
	go connectWithRetry(ctx, "link", sess, 10)

	srv := server.New(cfg, st, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}

	if err := sess.Stop(); err != nil {
		log.Printf("[main] link stop: %v", err)
	}
	<-uplinkDone
}

// observerCloser is satisfied by *uplink.Publisher.
type observerCloser interface {
	station.Observer
	Close()
}

// runUplink connects in the background so a dead broker never delays the
// dashboard, then republishes until ctx is done.
func runUplink(ctx context.Context, st *station.Station, connect func() (observerCloser, error)) {
	pub, err := connect()
	if err != nil {
		log.Printf("[main] uplink disabled: %v", err)
		return
	}
	defer pub.Close()
	st.AddObserver(pub)
	log.Printf("[main] uplink connected")
	<-ctx.Done()
}

// startable is satisfied by *link.Session.
type startable interface {
	Start() error
	State() link.State
}

// connectWithRetry attempts to start with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c startable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Start()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
		if c.State() != link.StateCreated {
			log.Printf("[%s] giving up: %v", name, err)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
