package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory Transport for lifecycle tests
type memTransport struct {
	mutex sync.Mutex

	connectErr  error
	events      chan *WireEvent
	sent        []*WireEvent
	closeReason CloseReason
	closeOnce   sync.Once
}

func newMemTransport(connectErr error) *memTransport {
	return &memTransport{
		connectErr:  connectErr,
		events:      make(chan *WireEvent, TransportBufferSize),
		closeReason: CloseReasonUnknown,
	}
}

func (self *memTransport) Connect(ctx context.Context, auth *SessionAuth) error {
	return self.connectErr
}

func (self *memTransport) Send(event *WireEvent) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, event)
	return nil
}

func (self *memTransport) sentEvents() []*WireEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	sent := make([]*WireEvent, len(self.sent))
	copy(sent, self.sent)
	return sent
}

func (self *memTransport) Receive() <-chan *WireEvent {
	return self.events
}

func (self *memTransport) CloseReason() CloseReason {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closeReason
}

func (self *memTransport) setCloseReason(reason CloseReason) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closeReason == CloseReasonUnknown {
		self.closeReason = reason
	}
}

func (self *memTransport) drop(reason CloseReason) {
	self.setCloseReason(reason)
	self.closeOnce.Do(func() {
		close(self.events)
	})
}

func (self *memTransport) Close() {
	self.drop(CloseReasonClient)
}

type memTransportFactory struct {
	mutex      sync.Mutex
	connectErr error
	transports []*memTransport
}

func (self *memTransportFactory) create() Transport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	transport := newMemTransport(self.connectErr)
	self.transports = append(self.transports, transport)
	return transport
}

func (self *memTransportFactory) setConnectErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.connectErr = err
}

func (self *memTransportFactory) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.transports)
}

func (self *memTransportFactory) last() *memTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.transports) == 0 {
		return nil
	}
	return self.transports[len(self.transports)-1]
}

func testClientSettings(factory *memTransportFactory) *SyncClientSettings {
	return &SyncClientSettings{
		ReconnectBaseDelay:   2 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		ReconnectJitter:      0,
		BroadcastWindowSize:  16,
		MonitorSettings: &HealthMonitorSettings{
			// inert during lifecycle tests
			ProbeInterval: 1 * time.Hour,
			ProbeTimeout:  1 * time.Hour,
			PoorThreshold: 1,
			BadThreshold:  3,
		},
		TransportFactory: factory.create,
	}
}

func newTestClient(t *testing.T, factory *memTransportFactory) (*SyncClient, *Session) {
	store := NewPatientStore()
	store.Load([]*Patient{testPatient("p1", "orgA")})
	client := NewSyncClient(context.Background(), store, testClientSettings(factory))
	t.Cleanup(client.Close)
	session := testSession("u1", []string{"orgA"}, nil)
	return client, session
}

func connectTestClient(t *testing.T, client *SyncClient, session *Session) {
	t.Helper()
	err := client.Connect(session)
	assert.Equal(t, err, nil)
	waitFor(t, 1*time.Second, func() bool {
		return client.ConnectionInfo().Status == StatusConnected
	})
}

func pushChange(t *testing.T, transport *memTransport, notification *ChangeNotification) {
	t.Helper()
	payload, err := json.Marshal(notification)
	assert.Equal(t, err, nil)
	transport.events <- &WireEvent{Event: EventChange, Payload: payload}
}

func TestBackoffDelayLaw(t *testing.T) {
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	previous := time.Duration(0)
	for attempt := 0; attempt < 24; attempt++ {
		delay := BackoffDelay(attempt, baseDelay, maxDelay)

		// min(base * 2^n, max)
		expected := baseDelay
		for i := 0; i < attempt && expected < maxDelay; i += 1 {
			expected *= 2
		}
		if maxDelay < expected {
			expected = maxDelay
		}
		assert.Equal(t, delay, expected)

		// non-decreasing, never above the ceiling
		assert.Equal(t, previous <= delay, true)
		assert.Equal(t, delay <= maxDelay, true)
		previous = delay
	}

	assert.Equal(t, BackoffDelay(0, baseDelay, maxDelay), 1*time.Second)
	assert.Equal(t, BackoffDelay(5, baseDelay, maxDelay), 30*time.Second)
}

// the concrete end-to-end scenario: an orgA labwork is created once,
// redelivered, and then attempted for a foreign tenant
func TestApplyScenario(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	transport := factory.last()

	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "labwork",
		Operation:      "created",
		Record:         map[string]any{"_id": "lab1", "result": "x"},
	})
	waitFor(t, 1*time.Second, func() bool {
		return len(client.Store().CategoryRecords("p1", CategoryLabworks)) == 1
	})

	// identical redelivery: still exactly one record, unchanged
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "labwork",
		Operation:      "created",
		Record:         map[string]any{"_id": "lab1", "result": "x"},
	})
	// a foreign-tenant notification: never applied
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgB",
		RecordType:     "labwork",
		Operation:      "created",
		Record:         map[string]any{"_id": "lab2", "result": "y"},
	})
	// one more authorized change as a fence so both are processed
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "note",
		Record:         map[string]any{"_id": "note1", "text": "fence"},
	})
	waitFor(t, 1*time.Second, func() bool {
		return len(client.Store().CategoryRecords("p1", CategoryNotes)) == 1
	})

	records := client.Store().CategoryRecords("p1", CategoryLabworks)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].Id(), "lab1")
	assert.Equal(t, records[0]["result"], "x")
}

func TestConnectGuard(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)

	// connect for the same user is a no-op
	err := client.Connect(session)
	assert.Equal(t, err, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, factory.count(), 1)
	assert.Equal(t, client.ConnectionInfo().Status, StatusConnected)
}

func TestConnectDifferentUserTearsDown(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	first := factory.last()

	other := testSession("u2", []string{"orgB"}, nil)
	err := client.Connect(other)
	assert.Equal(t, err, nil)
	waitFor(t, 1*time.Second, func() bool {
		return factory.count() == 2
	})
	assert.Equal(t, first.CloseReason(), CloseReasonClient)
}

func TestConnectWithoutToken(t *testing.T) {
	factory := &memTransportFactory{}
	store := NewPatientStore()
	client := NewSyncClient(context.Background(), store, testClientSettings(factory))
	t.Cleanup(client.Close)

	err := client.Connect(&Session{Auth: &SessionAuth{}})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, factory.count(), 0)
	assert.Equal(t, client.ConnectionInfo().Status, StatusError)
	assert.Equal(t, client.ConnectionInfo().LastError, errClassNoToken)
}

func TestAuthRejectedDoesNotRetry(t *testing.T) {
	factory := &memTransportFactory{connectErr: ErrAuthRejected}
	client, session := newTestClient(t, factory)

	err := client.Connect(session)
	assert.Equal(t, err, nil)
	waitFor(t, 1*time.Second, func() bool {
		return client.ConnectionInfo().Status == StatusError
	})
	assert.Equal(t, client.ConnectionInfo().LastError, errClassAuthRejected)

	// no automatic retry after an auth rejection
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, factory.count(), 1)
}

func TestReconnectOnNetworkDrop(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)

	factory.last().drop(CloseReasonNetwork)
	waitFor(t, 1*time.Second, func() bool {
		return factory.count() == 2 && client.ConnectionInfo().Status == StatusConnected
	})
	// attempt counter resets on a successful connect
	assert.Equal(t, client.ConnectionInfo().ReconnectAttempt, 0)
}

func TestNoReconnectOnExplicitDisconnect(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)

	client.Disconnect()
	assert.Equal(t, client.ConnectionInfo().Status, StatusDisconnected)
	// teardown clears the store
	assert.Equal(t, client.Store().Len(), 0)

	// well past the backoff window: no automatic connect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, factory.count(), 1)
	assert.Equal(t, client.ConnectionInfo().Status, StatusDisconnected)

	// idempotent
	client.Disconnect()
	assert.Equal(t, client.ConnectionInfo().Status, StatusDisconnected)
}

func TestNoReconnectOnServerKick(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)

	factory.last().drop(CloseReasonServerKick)
	waitFor(t, 1*time.Second, func() bool {
		return client.ConnectionInfo().Status == StatusDisconnected
	})
	assert.Equal(t, client.ConnectionInfo().LastError, errClassServerKick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, factory.count(), 1)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	networkErr := errors.New("connection refused")
	factory := &memTransportFactory{connectErr: networkErr}
	client, session := newTestClient(t, factory)

	err := client.Connect(session)
	assert.Equal(t, err, nil)
	waitFor(t, 1*time.Second, func() bool {
		return client.ConnectionInfo().Status == StatusError
	})
	assert.Equal(t, client.ConnectionInfo().LastError, errClassRetriesExceeded)
	// initial attempt plus the full retry budget
	assert.Equal(t, factory.count(), 1+3)

	// no further automatic attempts
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, factory.count(), 1+3)

	// manual reconnect resets the budget and connects
	factory.setConnectErr(nil)
	client.ManualReconnect()
	waitFor(t, 1*time.Second, func() bool {
		return client.ConnectionInfo().Status == StatusConnected
	})
	assert.Equal(t, client.ConnectionInfo().ReconnectAttempt, 0)
}

func TestOutboundGuard(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)

	// not connected: no-op with an error
	err := client.SendTyping("p1")
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	connectTestClient(t, client, session)
	err = client.SendPatientUpdate("p1", map[string]any{"bed": "4b"})
	assert.Equal(t, err, nil)

	sent := factory.last().sentEvents()
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].Event, EventPatientUpdate)
}

func TestServerPingGetsPong(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	transport := factory.last()

	ackId := NewId()
	transport.events <- &WireEvent{Event: EventPing, AckId: &ackId}

	waitFor(t, 1*time.Second, func() bool {
		for _, event := range transport.sentEvents() {
			if event.Event == EventPong && event.AckId != nil && *event.AckId == ackId {
				return true
			}
		}
		return false
	})
}

func TestPatientRemovedEvent(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	transport := factory.last()

	// a foreign-tenant removal is rejected
	payload, _ := json.Marshal(&patientRemovedPayload{PatientId: "p1", OrganizationId: "orgB"})
	transport.events <- &WireEvent{Event: EventPatientRemoved, Payload: payload}

	// then an authorized removal
	payload, _ = json.Marshal(&patientRemovedPayload{PatientId: "p1", OrganizationId: "orgA"})
	transport.events <- &WireEvent{Event: EventPatientRemoved, Payload: payload}

	waitFor(t, 1*time.Second, func() bool {
		return !client.Store().Contains("p1")
	})
}

func TestMalformedEventDoesNotStallPipeline(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	transport := factory.last()

	// undecodable payload, then a notification with no document and no
	// record, then a valid change: the valid one still lands
	transport.events <- &WireEvent{Event: EventChange, Payload: []byte(`not json`)}
	pushChange(t, transport, &ChangeNotification{PatientId: "p1"})
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "alert",
		Record:         map[string]any{"_id": "a1", "level": "high"},
	})

	waitFor(t, 1*time.Second, func() bool {
		return len(client.Store().CategoryRecords("p1", CategoryAlerts)) == 1
	})
	assert.Equal(t, client.ConnectionInfo().Status, StatusConnected)
}

func TestBroadcastDedup(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)
	connectTestClient(t, client, session)
	transport := factory.last()

	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "triage",
		BroadcastId:    "b1",
		Record:         map[string]any{"_id": "t1", "acuity": "2"},
	})
	// same broadcast id redelivered with a different payload: skipped
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "triage",
		BroadcastId:    "b1",
		Record:         map[string]any{"_id": "t1", "acuity": "5"},
	})
	// fence
	pushChange(t, transport, &ChangeNotification{
		PatientId:      "p1",
		OrganizationId: "orgA",
		RecordType:     "note",
		Record:         map[string]any{"_id": "note1", "text": "fence"},
	})

	waitFor(t, 1*time.Second, func() bool {
		return len(client.Store().CategoryRecords("p1", CategoryNotes)) == 1
	})
	records := client.Store().CategoryRecords("p1", CategoryTriages)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0]["acuity"], "2")
}

func TestStatusCallbacks(t *testing.T) {
	factory := &memTransportFactory{}
	client, session := newTestClient(t, factory)

	var mutex sync.Mutex
	statuses := []ConnectionStatus{}
	unsub := client.AddStatusCallback(func(info ConnectionInfo) {
		mutex.Lock()
		defer mutex.Unlock()
		statuses = append(statuses, info.Status)
	})
	defer unsub()

	connectTestClient(t, client, session)
	client.Disconnect()

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, statuses[0], StatusConnecting)
	assert.Equal(t, statuses[1], StatusConnected)
	assert.Equal(t, statuses[len(statuses)-1], StatusDisconnected)
}
