package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionHealth string

const (
	HealthUnknown ConnectionHealth = "unknown"
	HealthGood    ConnectionHealth = "good"
	HealthPoor    ConnectionHealth = "poor"
	HealthBad     ConnectionHealth = "bad"
)

type HealthEventFunction = func(health ConnectionHealth)

type HealthMonitorSettings struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// missed ack counts at which health degrades
	PoorThreshold int
	BadThreshold  int
}

func DefaultHealthMonitorSettings() *HealthMonitorSettings {
	return &HealthMonitorSettings{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  10 * time.Second,
		PoorThreshold: 1,
		BadThreshold:  3,
	}
}

// HealthMonitor rides the live connection with a periodic ping/ack probe.
// Missed acks degrade health good -> poor -> bad. Health is an
// observability signal only: the monitor never forces a reconnect.
type HealthMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	send     func(event *WireEvent) error
	settings *HealthMonitorSettings

	acks chan Id

	stateLock  sync.Mutex
	health     ConnectionHealth
	missedAcks int

	healthCallbacks *CallbackList[HealthEventFunction]
}

func NewHealthMonitorWithDefaults(ctx context.Context, send func(event *WireEvent) error) *HealthMonitor {
	return NewHealthMonitor(ctx, send, DefaultHealthMonitorSettings())
}

func NewHealthMonitor(ctx context.Context, send func(event *WireEvent) error, settings *HealthMonitorSettings) *HealthMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HealthMonitor{
		ctx:             cancelCtx,
		cancel:          cancel,
		send:            send,
		settings:        settings,
		acks:            make(chan Id, TransportBufferSize),
		health:          HealthUnknown,
		healthCallbacks: NewCallbackList[HealthEventFunction](),
	}
}

func (self *HealthMonitor) Start() {
	go self.run()
}

func (self *HealthMonitor) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ProbeInterval):
		}

		probeId := NewId()
		probe := &WireEvent{
			Event: EventPing,
			AckId: &probeId,
		}
		if err := self.send(probe); err != nil {
			glog.V(2).Infof("[hm]probe send failed = %s\n", err)
			self.recordMiss()
			continue
		}

		deadline := time.After(self.settings.ProbeTimeout)
	waiting:
		for {
			select {
			case <-self.ctx.Done():
				return
			case ackId := <-self.acks:
				if ackId == probeId {
					self.recordAck()
					break waiting
				}
				// stale ack from an earlier probe
			case <-deadline:
				glog.V(2).Infof("[hm]probe %s timeout\n", probeId)
				self.recordMiss()
				break waiting
			}
		}
	}
}

// HandleAck feeds a probe acknowledgement back to the monitor.
// Safe to call from the event pipeline goroutine.
func (self *HealthMonitor) HandleAck(ackId Id) {
	select {
	case self.acks <- ackId:
	default:
		// monitor is behind, drop
	}
}

func (self *HealthMonitor) recordAck() {
	self.update(func() {
		self.missedAcks = 0
		self.health = HealthGood
	})
}

func (self *HealthMonitor) recordMiss() {
	self.update(func() {
		self.missedAcks += 1
		switch {
		case self.settings.BadThreshold <= self.missedAcks:
			self.health = HealthBad
		case self.settings.PoorThreshold <= self.missedAcks:
			self.health = HealthPoor
		}
	})
}

func (self *HealthMonitor) update(mutate func()) {
	var health ConnectionHealth
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previousHealth := self.health
		mutate()
		health = self.health
		changed = health != previousHealth
	}()

	if changed {
		glog.V(2).Infof("[hm]health %s\n", health)
		for _, callback := range self.healthCallbacks.Get() {
			callback(health)
		}
	}
}

func (self *HealthMonitor) Health() ConnectionHealth {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.health
}

func (self *HealthMonitor) AddHealthCallback(healthCallback HealthEventFunction) func() {
	callbackId := self.healthCallbacks.Add(healthCallback)
	return func() {
		self.healthCallbacks.Remove(callbackId)
	}
}

func (self *HealthMonitor) Stop() {
	self.cancel()
}
