package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jonwraymond/objectcache/observe"
)

// Stream message types.
const (
	msgSubscribeResponses = "subscribeResponses"
	msgObjectSetChanged   = "objectSetChanged"
	msgRefreshObjectSet   = "refreshObjectSet"
	msgSubscriptionClosed = "subscriptionClosed"
)

const closeGracePeriod = time.Second

type subscribeMessage struct {
	ID       string          `json:"id"`
	Requests []StreamRequest `json:"requests"`
}

type streamMessage struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Updates []StreamUpdate `json:"updates,omitempty"`
	Cause   string         `json:"cause,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// WebsocketStreams is a StreamSubscriber that opens one websocket
// connection per subscription.
type WebsocketStreams struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger observe.Logger
}

// WebsocketOption configures WebsocketStreams.
type WebsocketOption func(*WebsocketStreams)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) WebsocketOption {
	return func(w *WebsocketStreams) {
		if d != nil {
			w.dialer = d
		}
	}
}

// WithHeader sets headers sent with the opening handshake.
func WithHeader(h http.Header) WebsocketOption {
	return func(w *WebsocketStreams) { w.header = h.Clone() }
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l observe.Logger) WebsocketOption {
	return func(w *WebsocketStreams) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebsocketStreams creates a subscriber dialing url (ws:// or wss://).
func NewWebsocketStreams(url string, opts ...WebsocketOption) *WebsocketStreams {
	w := &WebsocketStreams{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: observe.NopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe dials the server and sends the subscription request. ctx
// bounds the handshake only; the subscription lives until closed.
func (w *WebsocketStreams) Subscribe(ctx context.Context, req StreamRequest, h StreamHandler) (io.Closer, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		re := &Error{Op: "subscribe", Err: err}
		if resp != nil {
			re.Status = resp.StatusCode
		}
		return nil, re
	}

	id := uuid.NewString()
	if err := conn.WriteJSON(subscribeMessage{ID: id, Requests: []StreamRequest{req}}); err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "subscribe", Err: err}
	}

	s := &wsSubscription{
		id:      id,
		conn:    conn,
		handler: h,
		logger:  w.logger,
		done:    make(chan struct{}),
	}
	go s.readLoop()

	w.logger.Debug(ctx, "stream subscribed", observe.F("subscription", id))
	return s, nil
}

type wsSubscription struct {
	id      string
	conn    *websocket.Conn
	handler StreamHandler
	logger  observe.Logger

	closing atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func (s *wsSubscription) readLoop() {
	defer close(s.done)
	for {
		var msg streamMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.closing.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(ErrStreamClosed)
				return
			}
			s.fail(&Error{Op: "stream", Err: err})
			return
		}
		if msg.ID != "" && msg.ID != s.id {
			continue
		}
		if s.closing.Load() {
			return
		}

		switch msg.Type {
		case msgSubscribeResponses:
			if msg.Error != "" {
				s.fail(&Error{Op: "subscribe", Message: msg.Error})
				return
			}
		case msgObjectSetChanged:
			if s.handler.OnChange != nil && len(msg.Updates) > 0 {
				s.handler.OnChange(msg.Updates)
			}
		case msgRefreshObjectSet:
			if s.handler.OnOutOfDate != nil {
				s.handler.OnOutOfDate()
			}
		case msgSubscriptionClosed:
			if msg.Cause != "" {
				s.fail(fmt.Errorf("%w: %s", ErrStreamClosed, msg.Cause))
			} else {
				s.fail(ErrStreamClosed)
			}
			return
		default:
			s.logger.Debug(context.Background(), "ignoring stream message",
				observe.F("type", msg.Type), observe.F("subscription", s.id))
		}
	}
}

func (s *wsSubscription) fail(err error) {
	s.logger.Warn(context.Background(), "stream ended",
		observe.F("subscription", s.id), observe.Err(err))
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

// Close ends the subscription and waits for the read loop to exit.
func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone; the close frame is best effort.
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-s.done
	})
	return err
}

var _ StreamSubscriber = (*WebsocketStreams)(nil)
