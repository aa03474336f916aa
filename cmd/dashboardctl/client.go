package main

import (
	"fmt"
	"net"
	"time"

	"github.com/hamicek/noex/internal/backoff"
	"github.com/hamicek/noex/wire"
)

// Config holds the CLI flag contract named in spec §6.
type Config struct {
	Host        string
	Port        int
	Theme       string
	Layout      string
	NoReconnect bool
}

var validThemes = map[string]bool{"dark": true, "light": true}
var validLayouts = map[string]bool{"full": true, "compact": true, "minimal": true}

func run(cfg Config) error {
	if !validThemes[cfg.Theme] {
		return fmt.Errorf("dashboardctl: unknown --theme %q (want dark|light)", cfg.Theme)
	}
	if !validLayouts[cfg.Layout] {
		return fmt.Errorf("dashboardctl: unknown --layout %q (want full|compact|minimal)", cfg.Layout)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	bo := backoff.New(200*time.Millisecond, 1.6, 10*time.Second)

	for {
		err := streamOnce(addr)
		if err == nil {
			return nil
		}
		if cfg.NoReconnect {
			return fmt.Errorf("dashboardctl: %w", err)
		}
		delay := bo.Advance()
		fmt.Printf("dashboardctl: connection lost (%v), reconnecting in %s\n", err, delay)
		time.Sleep(delay)
	}
}

// streamOnce connects once, subscribes, and prints frames until the
// connection drops or the server sends bye. A nil return means a clean
// shutdown (bye); a non-nil return means reconnect.
func streamOnce(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.Send(conn, wire.Envelope{Kind: wire.KindSubscribe}); err != nil {
		return err
	}

	for {
		env, err := wire.Recv(conn)
		if err != nil {
			return err
		}
		switch env.Kind {
		case wire.KindSnapshot:
			printSnapshot(env.Body.(wire.SnapshotFrame))
		case wire.KindLifecycleEvent:
			printLifecycleEvent(env.Body.(wire.LifecycleEventFrame))
		case wire.KindBye:
			return nil
		}
	}
}

func printSnapshot(s wire.SnapshotFrame) {
	fmt.Printf("[snapshot] processes=%d messages=%d restarts=%d goroutines=%d alloc=%dB servers=%d supervisors=%d\n",
		s.ProcessCount, s.TotalMessages, s.TotalRestarts, s.NumGoroutine, s.AllocBytes,
		len(s.Servers), len(s.Supervisors))
}

func printLifecycleEvent(e wire.LifecycleEventFrame) {
	switch {
	case e.RefID != "":
		fmt.Printf("[lifecycle] %s ref=%s\n", e.Kind, e.RefID)
	case e.SupervisorName != "":
		fmt.Printf("[lifecycle] %s supervisor=%s\n", e.Kind, e.SupervisorName)
	default:
		fmt.Printf("[lifecycle] %s\n", e.Kind)
	}
}
