package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"blockverse/internal/observability"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// TokenFunc returns the bearer token presented when connecting.
type TokenFunc func() (string, error)

// Listener keeps a websocket connection to the push endpoint open and
// publishes every received message. Dropped connections are retried with
// exponential backoff.
type Listener struct {
	url        string
	token      TokenFunc
	out        Publisher
	dialer     *websocket.Dialer
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(url string, token TokenFunc, out Publisher) *Listener {
	return &Listener{
		url:        url,
		token:      token,
		out:        out,
		dialer:     websocket.DefaultDialer,
		logger:     observability.GlobalLogger.With(slog.String("component", "push_listener")),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Run connects and reads until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.WarnContext(ctx, "push connection lost", slog.String("error", errString(err)), slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (l *Listener) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if l.token != nil {
		token, err := l.token()
		if err != nil {
			return false, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()
	l.logger.InfoContext(ctx, "push connection established", slog.String("url", l.url))

	done := make(chan struct{})
	defer close(done)
	go l.keepAlive(ctx, conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := l.out.Publish(message); err != nil {
			l.logger.ErrorContext(ctx, "publish push event", slog.String("error", err.Error()))
		}
	}
}

// keepAlive pings the peer and closes the connection when ctx ends so the
// blocked read returns.
func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
