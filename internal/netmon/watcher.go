package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldsales/fieldsync/internal/events"
)

const (
	watcherMinBackoff = time.Second
	watcherMaxBackoff = 30 * time.Second
)

// Watcher feeds the Monitor from a lightweight websocket presence
// connection. While the socket is up the client is online; a read error
// marks it offline and the watcher redials with capped backoff. The
// watcher is optional: embedders without a presence endpoint drive
// Monitor.SetOnline themselves.
type Watcher struct {
	url     string
	monitor *Monitor
	logger  *events.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a presence watcher for the given websocket URL.
func NewWatcher(url string, monitor *Monitor, logger *events.Logger) *Watcher {
	return &Watcher{
		url:     url,
		monitor: monitor,
		logger:  logger.WithField("component", "netmon_watcher"),
		dialer:  websocket.DefaultDialer,
	}
}

// Start launches the watch loop. It returns immediately.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.run(ctx)
	}()
}

// Stop terminates the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Watcher) run(ctx context.Context) {
	backoff := watcherMinBackoff

	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			w.monitor.SetOnline(false)
			w.logger.WithError(err).WithField("backoff", backoff).Debug("Presence dial failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > watcherMaxBackoff {
				backoff = watcherMaxBackoff
			}
			continue
		}

		backoff = watcherMinBackoff
		w.monitor.SetOnline(true)

		// Block until the connection drops. The server is expected to
		// ping; any read error means connectivity is gone.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-closed
			return
		case <-closed:
			_ = conn.Close()
			w.monitor.SetOnline(false)
		}
	}
}
