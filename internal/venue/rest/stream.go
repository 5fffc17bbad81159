package rest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/pkg/sigchan"
	"github.com/stopbot/gostop/pkg/syncgroup"
)

const (
	reconnectCoolDown = 5 * time.Second
	pingInterval      = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// wsMessage is the venue's event envelope. Type selects which fields are
// populated.
type wsMessage struct {
	Type string `json:"type"` // "quote" | "order" | "pong"

	// quote fields
	Symbol string          `json:"symbol,omitempty"`
	Last   decimal.Decimal `json:"last,omitempty"`
	Bid    decimal.Decimal `json:"bid,omitempty"`
	Ask    decimal.Decimal `json:"ask,omitempty"`

	// order fields
	Order     *orderDTO       `json:"order,omitempty"`
	FillQty   decimal.Decimal `json:"fill_quantity,omitempty"`
	FillPrice decimal.Decimal `json:"fill_price,omitempty"`

	Timestamp int64 `json:"ts,omitempty"`
}

type wsSubscribe struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"`
}

// EventStream maintains the venue websocket: dial, read, keepalive and
// signal-driven reconnect. Messages are handed to the sink in arrival
// order from a single read goroutine.
type EventStream struct {
	wsURL string
	token string
	sink  func(msg *wsMessage)
	// subscribed returns the symbols to re-subscribe after a reconnect.
	subscribed func() []string

	conn       *websocket.Conn
	connCancel context.CancelFunc
	connMu     sync.Mutex

	reconnectC *sigchan.Chan
	closeC     chan struct{}
	closeOnce  sync.Once

	sg     *syncgroup.SyncGroup
	connSg *syncgroup.SyncGroup
}

func NewEventStream(wsURL, token string, sink func(msg *wsMessage), subscribed func() []string) *EventStream {
	return &EventStream{
		wsURL:      wsURL,
		token:      token,
		sink:       sink,
		subscribed: subscribed,
		reconnectC: sigchan.New(1),
		closeC:     make(chan struct{}),
		sg:         syncgroup.NewSyncGroup(),
		connSg:     syncgroup.NewSyncGroup(),
	}
}

// Connect dials the stream and starts the reconnector.
func (s *EventStream) Connect(ctx context.Context) error {
	s.sg.Add(func() {
		s.reconnector(ctx)
	})
	s.sg.Run()
	return s.dialAndConnect(ctx)
}

func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
	s.connMu.Lock()
	if s.connCancel != nil {
		s.connCancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	s.connSg.Wait()
	s.sg.Wait()
}

// Reconnect requests a reconnect; extra signals coalesce.
func (s *EventStream) Reconnect() {
	s.reconnectC.Emit()
}

// Send writes one JSON frame to the current connection.
func (s *EventStream) Send(v interface{}) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("event stream not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (s *EventStream) dialAndConnect(ctx context.Context) error {
	select {
	case <-s.closeC:
		return errors.New("event stream closed")
	default:
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return errors.Wrap(err, "dial event stream")
	}

	connCtx, connCancel := s.setConn(ctx, conn)

	// Let the previous connection's goroutines drain before starting new
	// ones, so at most one read loop feeds the sink.
	done := make(chan struct{})
	go func() {
		s.connSg.WaitAndClear()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Debug("old stream goroutines still draining, continuing")
	}

	s.connSg.Add(func() {
		s.read(connCtx, conn, connCancel)
	})
	s.connSg.Add(func() {
		s.ping(connCtx, conn, connCancel)
	})
	s.connSg.Run()

	if symbols := s.subscribed(); len(symbols) > 0 {
		if err := s.Send(&wsSubscribe{Action: "subscribe", Symbols: symbols}); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "resubscribe")
		}
	}

	log.WithField("url", s.wsURL).Info("event stream connected")
	return nil
}

func (s *EventStream) setConn(ctx context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connCancel != nil {
		s.connCancel()
	}
	connCtx, connCancel := context.WithCancel(ctx)
	s.conn = conn
	s.connCancel = connCancel
	return connCtx, connCancel
}

func (s *EventStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	header := map[string][]string{
		"Authorization": {"Bearer " + s.token},
	}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	return conn, nil
}

func (s *EventStream) reconnector(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-s.reconnectC.C():
			log.Warnf("event stream reconnect requested, cooling down %s", reconnectCoolDown)
			select {
			case <-ctx.Done():
				return
			case <-s.closeC:
				return
			case <-time.After(reconnectCoolDown):
			}
			if err := s.dialAndConnect(ctx); err != nil {
				log.WithError(err).Warn("event stream reconnect failed, retrying")
				s.Reconnect()
			}
		}
	}
}

func (s *EventStream) read(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-s.closeC:
			default:
				log.WithError(err).Warn("event stream read failed")
				s.Reconnect()
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.WithError(err).Debug("event stream: skipping undecodable frame")
			continue
		}
		if msg.Type == "pong" {
			continue
		}
		s.sink(&msg)
	}
}

func (s *EventStream) ping(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeC:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Warn("event stream ping failed")
				cancel()
				s.Reconnect()
				return
			}
		}
	}
}
