// cmd/meterpoller/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/tamzrod/meter-poller/internal/config"
	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/history"
	"github.com/tamzrod/meter-poller/internal/metrics"
	"github.com/tamzrod/meter-poller/internal/protocol/milur"
	"github.com/tamzrod/meter-poller/internal/protocol/modbus"
	"github.com/tamzrod/meter-poller/internal/publish"
	"github.com/tamzrod/meter-poller/internal/register"
	"github.com/tamzrod/meter-poller/internal/scheduler"
	"github.com/tamzrod/meter-poller/internal/status"
)

type options struct {
	Config        string `short:"c" long:"config" default:"/etc/meterpoller.yaml" description:"Configuration file"`
	Debug         bool   `short:"d" long:"debug" description:"Log every value read"`
	ListProtocols bool   `long:"list-protocols" description:"Print the supported protocols and exit"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		fmt.Println(err)
		os.Exit(1)
	}

	// --------------------
	// Protocols
	// --------------------

	reg := device.NewRegistry()
	for _, e := range []device.Entry{milur.Entry(), modbus.EntryRTU(), modbus.EntryTCP()} {
		if err := reg.Register(e); err != nil {
			log.Fatalf("protocol registry: %v", err)
		}
	}
	if opts.ListProtocols {
		fmt.Println(strings.Join(reg.Names(), "\n"))
		return
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	config.Normalize(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Build per-port schedulers
	// --------------------

	var scheds []*scheduler.Scheduler
	for _, p := range cfg.Ports {
		s, err := scheduler.Build(p, reg, opts.Debug)
		if err != nil {
			log.Fatalf("scheduler build failed (port=%s): %v", p.ID, err)
		}
		scheds = append(scheds, s)
	}

	// --------------------
	// Outputs
	// --------------------

	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	collector := metrics.New()
	if cfg.Metrics.Listen != "" {
		spawn(func() {
			if err := collector.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		})
	}

	var bridgeRef atomic.Pointer[publish.Bridge]
	var mq *publish.MQTTClient
	if cfg.MQTT.Broker != "" {
		topics := publish.Topics{Prefix: cfg.MQTT.TopicPrefix}
		mq, err = publish.Dial(publish.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topics:   topics,
		}, func() {
			if b := bridgeRef.Load(); b != nil {
				b.Reasserted()
			}
		})
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		bridgeRef.Store(publish.NewBridge(mq, topics))
	}
	bridge := bridgeRef.Load()

	var rec *history.Recorder
	if cfg.History.Path != "" {
		rec, err = history.Open(cfg.History.Path, cfg.History.Queue)
		if err != nil {
			log.Fatalf("history: %v", err)
		}
		spawn(func() { rec.Run(ctx) })
	}

	tracker := status.NewTracker(func(s status.Snapshot) {
		if bridge != nil {
			bridge.WriteStatus(s)
		}
	})

	// --------------------
	// Wire schedulers
	// --------------------

	for _, s := range scheds {
		for _, dev := range s.Devices() {
			tracker.Add(dev.Name())
		}

		s.SetObserver(scheduler.Observers{collector, tracker})
		s.SetCallbacks(callbacks(s.Name(), bridge, rec))

		if bridge != nil {
			if err := bridge.Attach(s); err != nil {
				log.Fatalf("mqtt subscribe failed (port=%s): %v", s.Name(), err)
			}
		}
	}

	spawn(func() { tracker.Run(ctx) })
	if bridge != nil {
		spawn(func() { resyncStatus(ctx, bridge, tracker, time.Duration(cfg.MQTT.StatusIntervalMs)*time.Millisecond) })
	}
	for _, s := range scheds {
		s := s
		spawn(func() { s.Run(ctx) })
	}

	log.Printf("meterpoller started (ports=%d protocols=%s)", len(scheds), strings.Join(reg.Names(), ","))

	<-ctx.Done()
	wg.Wait()

	if mq != nil {
		mq.Close()
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("history close failed: %v", err)
		}
	}
	log.Printf("meterpoller stopped")
}

// callbacks fans register events out to the enabled outputs.
func callbacks(port string, bridge *publish.Bridge, rec *history.Recorder) scheduler.Callbacks {
	return scheduler.Callbacks{
		OnRead: func(r *register.Register, changed bool) {
			if bridge != nil {
				bridge.OnRead(r, changed)
			}
			if rec != nil {
				rec.OnRead(port, r, changed)
			}
		},
		OnError: func(r *register.Register, state register.ErrorState) {
			if bridge != nil {
				bridge.OnError(r, state)
			}
			if rec != nil {
				rec.OnError(port, r, state)
			}
		},
	}
}

// resyncStatus re-offers every snapshot to the bridge. Unchanged fields are
// not republished unless the connection was re-established in between.
func resyncStatus(ctx context.Context, bridge *publish.Bridge, tracker *status.Tracker, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range tracker.All() {
				bridge.WriteStatus(s)
			}
		}
	}
}
