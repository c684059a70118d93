package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoppyshare/hoppyshare-ble/connectivity"
	"github.com/hoppyshare/hoppyshare-ble/events"
	"github.com/hoppyshare/hoppyshare-ble/fallback"
	"github.com/hoppyshare/hoppyshare-ble/inbox"
	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/transport"
)

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "hoppyble.yaml", "Path to YAML config")
	bluezAdapter := fs.String("bluez", "", "Also require this BlueZ adapter (e.g. hci0) to be powered")
	stdin := fs.Bool("stdin", false, "Send each line read from stdin as text/plain")
	fs.Parse(args)

	n, err := openNode(*configPath, *bluezAdapter)
	if err != nil {
		return err
	}
	defer n.close()
	prefix := logger.Prefix(n.cfg.DeviceID, "cli")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n.inbox.OnMessage(func(e inbox.Entry) {
		fmt.Printf("📥 %s %q (%d bytes)\n", e.MimeType, e.Filename, len(e.Payload))
	})

	var hub *events.Hub
	if n.cfg.EventsAddr != "" {
		hub = events.NewHub(n.cfg.DeviceID)
		defer hub.Close()
		wireEvents(hub, n)
		srv := &http.Server{Addr: n.cfg.EventsAddr, Handler: eventsMux(hub, n)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(prefix, "events server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if n.cfg.AutoBLE {
		startFallback(ctx, n, hub)
	} else if err := n.transport.Start(ctx); err != nil {
		return err
	}

	if *stdin {
		go sendLines(ctx, n, prefix)
	}

	fmt.Printf("Running as %s in group %q (service %s). Ctrl-C to stop.\n",
		n.cfg.DeviceID, n.cfg.GroupID, n.transport.ServiceID())
	<-ctx.Done()
	return nil
}

func wireEvents(hub *events.Hub, n *node) {
	n.inbox.OnMessage(func(e inbox.Entry) { hub.Broadcast(events.MessageEvent(e)) })
	n.transport.OnStateChange(func(s transport.State) { hub.Broadcast(events.StateEvent(s.String())) })
}

func eventsMux(hub *events.Hub, n *node) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := n.transport.Snapshot().Struct()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ev, err := events.SnapshotEvent(st)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ev)
	})
	return mux
}

// startFallback lets network reachability decide when BLE runs.
func startFallback(ctx context.Context, n *node, hub *events.Hub) {
	cc := n.cfg.Connectivity
	probe := &connectivity.PingProbe{Host: cc.ProbeHost, Timeout: cc.ProbeTimeout, Privileged: cc.Privileged}
	monitor := connectivity.NewMonitor(n.cfg.DeviceID, probe, cc.ProbeInterval, cc.FailThreshold)
	controller := fallback.New(n.cfg.DeviceID, n.transport, true)

	monitor.OnChange(controller.NetworkChanged)
	if hub != nil {
		monitor.OnChange(func(online bool) { hub.Broadcast(events.NetworkEvent(online)) })
	}
	go controller.Run(ctx)
	go monitor.Run(ctx)

	err := connectivity.WatchLinks(ctx, func(name string, up bool) {
		logger.Debug(logger.Prefix(n.cfg.DeviceID, "net"), "link %s up=%v", name, up)
		monitor.Kick()
	})
	if err != nil && !errors.Is(err, errors.ErrUnsupported) {
		logger.Warn(logger.Prefix(n.cfg.DeviceID, "net"), "link watcher unavailable: %v", err)
	}
}

func sendLines(ctx context.Context, n *node, prefix string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		name := fmt.Sprintf("line-%d.txt", time.Now().Unix())
		if err := n.transport.Send("text/plain", name, []byte(line)); err != nil {
			logger.Warn(prefix, "send failed: %v", err)
		}
	}
}
