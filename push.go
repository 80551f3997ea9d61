package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PushListener maintains a WebSocket subscription to the platform's push
// gateway and feeds inbound payloads to the notification dispatcher. The
// connection is re-established with exponential backoff after any failure.
type PushListener struct {
	cfg      PushConfig
	notifier *Notifier
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewPushListener creates the push channel listener.
func NewPushListener(cfg PushConfig, notifier *Notifier, log *slog.Logger) *PushListener {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PushListener{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for push payloads.
func (pl *PushListener) Start() {
	if !pl.cfg.Enabled || pl.cfg.URL == "" {
		return
	}

	pl.mu.Lock()
	if pl.started {
		pl.mu.Unlock()
		return
	}
	pl.started = true
	pl.mu.Unlock()

	pl.wg.Add(1)
	go pl.run()
}

// Stop closes the push channel.
func (pl *PushListener) Stop() {
	pl.cancel()
	pl.wg.Wait()
}

func (pl *PushListener) run() {
	defer pl.wg.Done()

	backoff := time.Second
	for {
		if pl.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(pl.ctx, pl.cfg.URL, nil)
		if err != nil {
			pl.log.Debug("push gateway dial failed", "url", pl.cfg.URL, "error", err)
			select {
			case <-pl.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}

		backoff = time.Second
		pl.readLoop(conn)
		conn.Close()
	}
}

func (pl *PushListener) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pl.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pl.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pl.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pl.ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if pl.ctx.Err() == nil {
				pl.log.Debug("push channel closed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pl.cfg.ReadTimeout))
		pl.notifier.HandlePush(data)
	}
}
