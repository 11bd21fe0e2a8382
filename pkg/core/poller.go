package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vlink/obdcore/pkg/logger"
	"github.com/vlink/obdcore/pkg/metrics"
	"github.com/vlink/obdcore/pkg/uds"
	"github.com/vlink/obdcore/pkg/vehicle"
)

// PollerState represents the poller lifecycle state.
type PollerState int

const (
	PollerStateStopped PollerState = iota
	PollerStateStarting
	PollerStateRunning
	PollerStateStopping
	PollerStateError
)

func (s PollerState) String() string {
	switch s {
	case PollerStateStopped:
		return "stopped"
	case PollerStateStarting:
		return "starting"
	case PollerStateRunning:
		return "running"
	case PollerStateStopping:
		return "stopping"
	case PollerStateError:
		return "error"
	default:
		return "unknown"
	}
}

// ReadingEvent is one decoded reading produced by a poll cycle, stamped
// with a correlation ID for the trip log and the API surfaces.
type ReadingEvent struct {
	ID        string          `json:"id"`
	Decoder   string          `json:"decoder"`
	CANID     uint16          `json:"can_id"`
	DID       uint16          `json:"did"`
	Reading   vehicle.Reading `json:"reading"`
	Timestamp time.Time       `json:"timestamp"`
}

// PollerStats holds poller statistics.
type PollerStats struct {
	Cycles        uint64        `json:"cycles"`
	Readings      uint64        `json:"readings"`
	Errors        uint64        `json:"errors"`
	Uptime        time.Duration `json:"uptime"`
	StartedAt     *time.Time    `json:"started_at"`
	LastReadingAt *time.Time    `json:"last_reading_at,omitempty"`
}

// Poller periodically reads every data identifier of every active decoder
// through the UDS facade and fans the decoded readings out to
// subscribers. All UDS traffic goes through the client's serialized
// command path; the poller adds no concurrency of its own below the
// facade.
type Poller struct {
	mu sync.RWMutex

	client   *uds.Client
	decoders []vehicle.Decoder
	interval time.Duration
	log      *logger.Logger

	state     PollerState
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	lastError error

	subscribers []chan *ReadingEvent
	subMu       sync.RWMutex

	stats PollerStats
}

// NewPoller creates a poller over client for the given decoders.
func NewPoller(client *uds.Client, decoders []vehicle.Decoder, interval time.Duration, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Global()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		client:   client,
		decoders: decoders,
		interval: interval,
		log:      log,
		state:    PollerStateStopped,
	}
}

// Start begins the polling loop. Idempotent while running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PollerStateRunning {
		return nil
	}

	p.state = PollerStateStarting
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	now := time.Now()
	p.stats.StartedAt = &now
	p.state = PollerStateRunning

	go p.loop()
	return nil
}

// Stop cancels the polling loop and waits for the in-flight cycle to
// finish. Idempotent.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if p.state != PollerStateRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = PollerStateStopping
	p.cancel()
	done := p.done
	p.mu.Unlock()

	<-done

	p.mu.Lock()
	p.state = PollerStateStopped
	p.mu.Unlock()

	p.subMu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.subMu.Unlock()

	return nil
}

// Subscribe returns a channel that receives every decoded reading. A
// subscriber that falls behind loses readings rather than stalling the
// poll loop.
func (p *Poller) Subscribe() <-chan *ReadingEvent {
	ch := make(chan *ReadingEvent, 100)
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *Poller) Unsubscribe(ch <-chan *ReadingEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

func (p *Poller) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// One immediate cycle so subscribers don't wait a full interval for
	// the first reading.
	p.pollOnce()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Poller) pollOnce() {
	p.mu.Lock()
	p.stats.Cycles++
	p.mu.Unlock()

	for _, dec := range p.decoders {
		for _, did := range dec.DataIdentifiers() {
			if p.ctx.Err() != nil {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.interval)
			payload, err := p.client.ReadDataByIdentifier(ctx, dec.TargetCANID(), did)
			cancel()
			if err != nil {
				p.recordError(dec.Name(), did, err)
				continue
			}

			reading, err := dec.Decode(did, payload)
			if err != nil {
				p.recordError(dec.Name(), did, err)
				continue
			}

			now := time.Now()
			ev := &ReadingEvent{
				ID:        uuid.New().String(),
				Decoder:   dec.Name(),
				CANID:     dec.TargetCANID(),
				DID:       did,
				Reading:   reading,
				Timestamp: now,
			}

			p.mu.Lock()
			p.stats.Readings++
			p.stats.LastReadingAt = &now
			p.mu.Unlock()

			p.notifySubscribers(ev)
		}
	}
}

func (p *Poller) recordError(decoder string, did uint16, err error) {
	p.mu.Lock()
	p.stats.Errors++
	p.lastError = err
	p.mu.Unlock()
	metrics.IncUDSRequest("poll", metrics.StatusFailed)
	p.log.Warn("poll read failed", "decoder", decoder, "did", did, "error", err)
}

func (p *Poller) notifySubscribers(ev *ReadingEvent) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Status returns a snapshot of the poller state and statistics.
func (p *Poller) Status() PollerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := PollerStatus{
		State: p.state,
		Stats: p.stats,
	}
	if p.stats.StartedAt != nil {
		status.Stats.Uptime = time.Since(*p.stats.StartedAt)
	}
	if p.lastError != nil {
		errStr := p.lastError.Error()
		status.LastError = &errStr
	}
	return status
}

// PollerStatus is a point-in-time view of the poller.
type PollerStatus struct {
	State     PollerState `json:"state"`
	Stats     PollerStats `json:"stats"`
	LastError *string     `json:"last_error,omitempty"`
}
