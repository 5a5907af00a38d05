package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// classified connection errors surfaced through the status read model.
// raw transport errors never leave this package.
const (
	errClassAuthRejected    = "session token rejected, refresh and reconnect manually"
	errClassUnreachable     = "could not reach sync server"
	errClassConnectionLost  = "connection lost"
	errClassServerKick      = "disconnected by server"
	errClassRetriesExceeded = "connection lost, manual reconnect required"
	errClassNoToken         = "no session token available"
)

// ConnectionInfo is the status read model exposed to the UI layer,
// updated synchronously on every transition.
type ConnectionInfo struct {
	Status           ConnectionStatus
	LastError        string
	Health           ConnectionHealth
	ReconnectAttempt int
}

type StatusCallback = func(info ConnectionInfo)

type SyncClientSettings struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	// fraction of the computed delay added as random jitter
	ReconnectJitter float64

	// bounded window of seen broadcast ids for redelivery dedup
	BroadcastWindowSize int

	MonitorSettings  *HealthMonitorSettings
	TransportFactory TransportFactory
}

func DefaultSyncClientSettings(url string) *SyncClientSettings {
	return &SyncClientSettings{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 10,
		ReconnectJitter:      0.25,
		BroadcastWindowSize:  1024,
		MonitorSettings:      DefaultHealthMonitorSettings(),
		TransportFactory: func() Transport {
			return NewWsTransportWithDefaults(url)
		},
	}
}

// BackoffDelay is the reconnect delay law: min(base * 2^attempt, max).
// Jitter is applied on top by the scheduler, not here.
func BackoffDelay(attempt int, baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 0; i < attempt; i += 1 {
		delay *= 2
		if maxDelay <= delay {
			return maxDelay
		}
	}
	if maxDelay < delay {
		return maxDelay
	}
	return delay
}

// SyncClient owns the connection lifecycle and routes every inbound event,
// in arrival order, through normalize -> organization filter -> store.
// One SyncClient exists per authenticated session: construct on login,
// Disconnect on logout.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    *PatientStore
	settings *SyncClientSettings

	stateLock sync.Mutex

	session          *Session
	status           ConnectionStatus
	lastError        string
	health           ConnectionHealth
	reconnectAttempt int

	transport      Transport
	monitor        *HealthMonitor
	reconnectTimer *time.Timer

	// invalidates run loops and timers from a previous connection era
	runId int

	seenBroadcastIds map[string]bool
	broadcastWindow  []string

	statusCallbacks *CallbackList[StatusCallback]
}

func NewSyncClientWithDefaults(ctx context.Context, url string, store *PatientStore) *SyncClient {
	return NewSyncClient(ctx, store, DefaultSyncClientSettings(url))
}

func NewSyncClient(ctx context.Context, store *PatientStore, settings *SyncClientSettings) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		store:            store,
		settings:         settings,
		status:           StatusDisconnected,
		health:           HealthUnknown,
		seenBroadcastIds: map[string]bool{},
		statusCallbacks:  NewCallbackList[StatusCallback](),
	}
}

func (self *SyncClient) Store() *PatientStore {
	return self.store
}

// Connect opens the connection for `session`. Calling Connect while a
// connection for the same user is live or in progress is a no-op; a
// different user tears the existing connection down first.
func (self *SyncClient) Connect(session *Session) error {
	if session == nil || session.Auth == nil || session.Auth.ByJwt == "" {
		self.transition(func() {
			switch self.status {
			case StatusDisconnected, StatusError:
				self.status = StatusError
				self.lastError = errClassNoToken
			}
		})
		return errors.New(errClassNoToken)
	}

	var runId int
	start := false
	self.transition(func() {
		switch self.status {
		case StatusConnecting, StatusConnected, StatusReconnecting:
			if self.session != nil && self.session.UserId == session.UserId {
				// connect-guard: one live transport per process
				return
			}
			self.teardownLocked()
		}
		self.session = session
		self.status = StatusConnecting
		self.lastError = ""
		self.runId += 1
		runId = self.runId
		start = true
	})

	if start {
		glog.V(2).Infof("[c]connect user=%s\n", session.UserId)
		go self.run(runId, session)
	}
	return nil
}

func (self *SyncClient) run(runId int, session *Session) {
	transport := self.settings.TransportFactory()

	if err := transport.Connect(self.ctx, session.Auth); err != nil {
		transport.Close()
		if self.stale(runId) {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			glog.Infof("[c]auth rejected user=%s\n", session.UserId)
			self.transition(func() {
				self.status = StatusError
				self.lastError = errClassAuthRejected
			})
			return
		}
		glog.Infof("[c]connect error = %s\n", err)
		self.scheduleReconnect(runId, session, errClassUnreachable)
		return
	}

	monitor := NewHealthMonitor(self.ctx, transport.Send, self.settings.MonitorSettings)
	monitor.AddHealthCallback(func(health ConnectionHealth) {
		if self.stale(runId) {
			return
		}
		self.transition(func() {
			self.health = health
		})
	})

	accepted := false
	self.transition(func() {
		if self.runId != runId {
			return
		}
		self.transport = transport
		self.monitor = monitor
		self.status = StatusConnected
		self.lastError = ""
		self.health = HealthUnknown
		self.reconnectAttempt = 0
		accepted = true
	})
	if !accepted {
		// torn down while the handshake was in flight
		monitor.Stop()
		transport.Close()
		return
	}

	glog.Infof("[c]connected user=%s\n", session.UserId)
	monitor.Start()

	// single goroutine, strict arrival order end to end
	for event := range transport.Receive() {
		self.handleEvent(session, monitor, event)
	}

	monitor.Stop()
	reason := transport.CloseReason()

	if self.stale(runId) {
		return
	}

	switch reason {
	case CloseReasonClient:
		self.transition(func() {
			self.clearConnectionLocked()
			self.status = StatusDisconnected
		})
	case CloseReasonServerKick:
		glog.Infof("[c]server closed the session\n")
		self.transition(func() {
			self.clearConnectionLocked()
			self.status = StatusDisconnected
			self.lastError = errClassServerKick
		})
	default:
		self.scheduleReconnect(runId, session, errClassConnectionLost)
	}
}

func (self *SyncClient) scheduleReconnect(runId int, session *Session, errClass string) {
	var delay time.Duration
	scheduled := false
	self.transition(func() {
		if self.runId != runId {
			return
		}
		self.clearConnectionLocked()

		attempt := self.reconnectAttempt
		if self.settings.ReconnectMaxAttempts <= attempt {
			glog.Infof("[c]retry budget exhausted after %d attempts\n", attempt)
			self.status = StatusError
			self.lastError = errClassRetriesExceeded
			return
		}
		self.reconnectAttempt = attempt + 1
		self.status = StatusReconnecting
		self.lastError = errClass

		delay = BackoffDelay(attempt, self.settings.ReconnectBaseDelay, self.settings.ReconnectMaxDelay)
		if 0 < self.settings.ReconnectJitter {
			delay += time.Duration(rand.Float64() * self.settings.ReconnectJitter * float64(delay))
		}
		self.reconnectTimer = time.AfterFunc(delay, func() {
			self.retry(runId, session)
		})
		scheduled = true
	})

	if scheduled {
		glog.Infof("[c]reconnect in %s\n", delay)
	}
}

func (self *SyncClient) retry(runId int, session *Session) {
	start := false
	self.transition(func() {
		if self.runId != runId {
			return
		}
		self.reconnectTimer = nil
		self.status = StatusConnecting
		start = true
	})
	if start {
		self.run(runId, session)
	}
}

// ManualReconnect resets the retry budget and forces an immediate connect,
// regardless of backoff state. Idempotent: a live or in-progress
// connection is left alone.
func (self *SyncClient) ManualReconnect() {
	var runId int
	var session *Session
	start := false
	self.transition(func() {
		self.reconnectAttempt = 0
		switch self.status {
		case StatusConnected, StatusConnecting:
			return
		}
		if self.session == nil {
			return
		}
		self.cancelReconnectTimerLocked()
		session = self.session
		self.status = StatusConnecting
		self.lastError = ""
		self.runId += 1
		runId = self.runId
		start = true
	})

	if start {
		glog.V(2).Infof("[c]manual reconnect user=%s\n", session.UserId)
		go self.run(runId, session)
	}
}

// Disconnect tears down the transport, cancels any pending reconnect and
// probe timers, and clears the store. Idempotent.
func (self *SyncClient) Disconnect() {
	self.transition(func() {
		self.runId += 1
		self.teardownLocked()
		self.session = nil
		self.status = StatusDisconnected
		self.lastError = ""
		self.health = HealthUnknown
		self.reconnectAttempt = 0
	})
	self.store.Clear()
	glog.V(2).Infof("[c]disconnected\n")
}

// must be called with `stateLock`
func (self *SyncClient) teardownLocked() {
	self.cancelReconnectTimerLocked()
	self.clearConnectionLocked()
}

// must be called with `stateLock`
func (self *SyncClient) cancelReconnectTimerLocked() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

// must be called with `stateLock`
func (self *SyncClient) clearConnectionLocked() {
	if self.monitor != nil {
		self.monitor.Stop()
		self.monitor = nil
	}
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}
}

func (self *SyncClient) stale(runId int) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runId != runId
}

// transition mutates connection state under the lock and notifies status
// callbacks after release when the read model changed.
func (self *SyncClient) transition(mutate func()) {
	var info ConnectionInfo
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previous := self.infoLocked()
		mutate()
		info = self.infoLocked()
		changed = info != previous
	}()

	if changed {
		for _, callback := range self.statusCallbacks.Get() {
			callback(info)
		}
	}
}

// must be called with `stateLock`
func (self *SyncClient) infoLocked() ConnectionInfo {
	return ConnectionInfo{
		Status:           self.status,
		LastError:        self.lastError,
		Health:           self.health,
		ReconnectAttempt: self.reconnectAttempt,
	}
}

func (self *SyncClient) ConnectionInfo() ConnectionInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.infoLocked()
}

func (self *SyncClient) AddStatusCallback(statusCallback StatusCallback) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// handleEvent processes one inbound event in an isolated failure scope:
// a failure handling one event never prevents the next from processing.
func (self *SyncClient) handleEvent(session *Session, monitor *HealthMonitor, event *WireEvent) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[c]recovered handling %s = %v\n", event.Event, r)
		}
	}()

	switch event.Event {
	case EventPong:
		if event.AckId != nil {
			monitor.HandleAck(*event.AckId)
		}
	case EventPing:
		// server-initiated liveness check
		self.send(&WireEvent{Event: EventPong, AckId: event.AckId})
	case EventChange:
		self.handleChange(session, event.Payload)
	case EventPatientRemoved:
		self.handleRemoved(session, event.Payload)
	default:
		glog.V(2).Infof("[c]ignore %s\n", event.Event)
	}
}

func (self *SyncClient) handleChange(session *Session, payload json.RawMessage) {
	notification, err := ParseChangeNotification(payload)
	if err != nil {
		glog.Infof("[c]drop undecodable change = %s\n", err)
		return
	}
	if self.seenBroadcast(notification.BroadcastId) {
		glog.V(2).Infof("[c]drop redelivered broadcast %s\n", notification.BroadcastId)
		return
	}

	change := Normalize(notification, self.store)
	if change == nil {
		return
	}
	if !ShouldApply(change, session) {
		return
	}

	if change.IsFullReplace() {
		if change.Op == OpDeleted {
			self.store.Remove(change.PatientId)
		} else {
			self.store.ReplacePatient(change.Patient)
		}
	} else {
		self.store.UpsertCategoryRecord(change.PatientId, change.Category, change.Op, change.Record)
	}
}

type patientRemovedPayload struct {
	PatientId      string `json:"patientId"`
	OrganizationId string `json:"organizationId,omitempty"`
	BroadcastId    string `json:"broadcastId,omitempty"`
}

func (self *SyncClient) handleRemoved(session *Session, payload json.RawMessage) {
	removed := &patientRemovedPayload{}
	if err := json.Unmarshal(payload, removed); err != nil {
		glog.Infof("[c]drop undecodable removal = %s\n", err)
		return
	}
	if removed.PatientId == "" {
		glog.Infof("[c]drop removal without patient id\n")
		return
	}
	if self.seenBroadcast(removed.BroadcastId) {
		return
	}

	change := &NormalizedChange{
		PatientId:      removed.PatientId,
		OrganizationId: removed.OrganizationId,
		Op:             OpDeleted,
	}
	if !ShouldApply(change, session) {
		return
	}
	self.store.Remove(removed.PatientId)
}

// seenBroadcast records `broadcastId` in the bounded dedup window and
// reports whether it was already present. The idempotent store merge is
// the real safety net; this only cheaply skips obvious redelivery.
func (self *SyncClient) seenBroadcast(broadcastId string) bool {
	if broadcastId == "" {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.seenBroadcastIds[broadcastId] {
		return true
	}
	self.seenBroadcastIds[broadcastId] = true
	self.broadcastWindow = append(self.broadcastWindow, broadcastId)
	if self.settings.BroadcastWindowSize < len(self.broadcastWindow) {
		evicted := self.broadcastWindow[0]
		self.broadcastWindow = self.broadcastWindow[1:]
		delete(self.seenBroadcastIds, evicted)
	}
	return false
}

func (self *SyncClient) send(event *WireEvent) error {
	self.stateLock.Lock()
	transport := self.transport
	status := self.status
	self.stateLock.Unlock()

	if status != StatusConnected || transport == nil {
		glog.Infof("[c]drop outbound %s while %s\n", event.Event, status)
		return ErrNotConnected
	}
	return transport.Send(event)
}

// SendPatientUpdate notifies the server of a local edit to a patient.
// No-ops with a warning when not connected: local edits reach the store
// only through the server roundtrip and the inbound pipeline.
func (self *SyncClient) SendPatientUpdate(patientId string, changes map[string]any) error {
	event, err := NewWireEvent(EventPatientUpdate, map[string]any{
		"patientId": patientId,
		"changes":   changes,
	})
	if err != nil {
		return err
	}
	return self.send(event)
}

// SendTyping signals that this user is editing the given patient.
func (self *SyncClient) SendTyping(patientId string) error {
	event, err := NewWireEvent(EventTyping, map[string]any{
		"patientId": patientId,
	})
	if err != nil {
		return err
	}
	return self.send(event)
}

// Close releases the client entirely. Equivalent to Disconnect plus
// cancelling the root context.
func (self *SyncClient) Close() {
	self.Disconnect()
	self.cancel()
}
