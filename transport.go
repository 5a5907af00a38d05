package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// why the transport stopped. The lifecycle manager only auto-reconnects on
// CloseReasonNetwork.
type CloseReason string

const (
	CloseReasonUnknown    CloseReason = "unknown"
	CloseReasonNetwork    CloseReason = "network"
	CloseReasonServerKick CloseReason = "server_kick"
	CloseReasonClient     CloseReason = "client"
)

var ErrAuthRejected = errors.New("session token rejected")
var ErrNotConnected = errors.New("not connected")

// Transport is one connection attempt: dial + auth handshake, then framed
// send/receive until the connection drops or is closed. The lifecycle
// manager creates a fresh Transport per attempt.
type Transport interface {
	// Connect dials and authenticates. An auth rejection returns an error
	// wrapping ErrAuthRejected.
	Connect(ctx context.Context, auth *SessionAuth) error
	Send(event *WireEvent) error
	// Receive is closed when the connection stops for any reason
	Receive() <-chan *WireEvent
	// valid once Receive is closed
	CloseReason() CloseReason
	Close()
}

type TransportFactory func() Transport

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	// must exceed the health probe interval or idle connections die early
	ReadTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        90 * time.Second,
	}
}

// WsTransport frames WireEvents as json text messages over a websocket.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WsTransportSettings

	send    chan *WireEvent
	receive chan *WireEvent

	stateLock   sync.Mutex
	ws          *websocket.Conn
	closeReason CloseReason
}

func NewWsTransportWithDefaults(url string) *WsTransport {
	return NewWsTransport(url, DefaultWsTransportSettings())
}

func NewWsTransport(url string, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &WsTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		settings:    settings,
		send:        make(chan *WireEvent, TransportBufferSize),
		receive:     make(chan *WireEvent, TransportBufferSize),
		closeReason: CloseReasonUnknown,
	}
}

func (self *WsTransport) Connect(ctx context.Context, auth *SessionAuth) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authEvent, err := NewWireEvent(EventAuth, map[string]any{
		"token":      auth.ByJwt,
		"instanceId": auth.InstanceId,
		"appVersion": auth.AppVersion,
	})
	if err != nil {
		return err
	}
	authBytes, err := json.Marshal(authEvent)
	if err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("auth read: %w", err)
	}
	reply := &WireEvent{}
	if err := json.Unmarshal(message, reply); err != nil {
		return fmt.Errorf("auth reply: %w", err)
	}
	switch reply.Event {
	case EventAuthOk:
	case EventAuthRejected:
		return ErrAuthRejected
	default:
		return fmt.Errorf("auth reply: unexpected event %q", reply.Event)
	}

	success = true
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.ws = ws
	}()

	go self.writePump(ws)
	go self.readPump(ws)

	return nil
}

func (self *WsTransport) writePump(ws *websocket.Conn) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.send:
			if !ok {
				return
			}
			message, err := json.Marshal(event)
			if err != nil {
				glog.Infof("[ts]drop unencodable %s = %s\n", event.Event, err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[ts]-> error = %s\n", err)
				self.stop(classifyCloseError(err))
				return
			}
			glog.V(2).Infof("[ts]%s->\n", event.Event)
		}
	}
}

func (self *WsTransport) readPump(ws *websocket.Conn) {
	defer func() {
		self.stop(CloseReasonNetwork)
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
				// intentional close, keep the reason already set
			default:
				glog.Infof("[tr]<- error = %s\n", err)
				self.setCloseReason(classifyCloseError(err))
			}
			return
		}

		event := &WireEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			glog.Infof("[tr]drop undecodable frame = %s\n", err)
			continue
		}

		select {
		case <-self.ctx.Done():
			return
		case self.receive <- event:
			glog.V(2).Infof("[tr]%s<-\n", event.Event)
		}
	}
}

func (self *WsTransport) Send(event *WireEvent) error {
	select {
	case <-self.ctx.Done():
		return ErrNotConnected
	case self.send <- event:
		return nil
	}
}

func (self *WsTransport) Receive() <-chan *WireEvent {
	return self.receive
}

func (self *WsTransport) CloseReason() CloseReason {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeReason
}

func (self *WsTransport) setCloseReason(reason CloseReason) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closeReason == CloseReasonUnknown {
		self.closeReason = reason
	}
}

func (self *WsTransport) stop(reason CloseReason) {
	self.setCloseReason(reason)
	self.cancel()
	self.stateLock.Lock()
	ws := self.ws
	self.stateLock.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func (self *WsTransport) Close() {
	self.stop(CloseReasonClient)
}

// server-initiated closes are deliberate and must not trigger reconnect.
// everything else is treated as a transient network failure.
func classifyCloseError(err error) CloseReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.ClosePolicyViolation, websocket.CloseGoingAway:
			return CloseReasonServerKick
		}
	}
	return CloseReasonNetwork
}
