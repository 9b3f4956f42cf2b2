// Package hub fans clinic snapshots out to live subscribers. Each clinic with
// subscribers gets one worker goroutine, so snapshots for a clinic are
// computed and delivered in the order Publish was called.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	snapshotsPushed  = expvar.NewInt("hub_snapshots_pushed_total")
	snapshotsDropped = expvar.NewInt("hub_snapshots_dropped_total")
	snapshotErrors   = expvar.NewInt("hub_snapshot_errors_total")
	activeSubs       = expvar.NewInt("hub_subscriptions_active")
)

var ErrClosed = errors.New("hub closed")

// SnapshotFunc loads the current snapshot of a clinic's queue for today.
type SnapshotFunc func(ctx context.Context, clinicID int64) (models.Snapshot, error)

type Options struct {
	// Buffer is the number of undelivered snapshots kept per subscription.
	// When full the oldest is discarded.
	Buffer int
	// QueueSize bounds pending publish requests per clinic.
	QueueSize       int
	SnapshotTimeout time.Duration
}

type Hub struct {
	load    SnapshotFunc
	options Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clinics map[int64]*clinic
	closed  bool
}

type clinic struct {
	id       int64
	subs     map[string]*Subscription
	requests chan request
	quit     chan struct{}
	// dirty is set when a publish could not be queued; the worker follows
	// up with a broadcast.
	dirty atomic.Bool
}

// request with a nil target goes to every subscriber of the clinic.
type request struct {
	target *Subscription
}

type Subscription struct {
	ID       string
	ClinicID int64

	updates   chan models.Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

// Updates delivers snapshots. The channel is never closed; select on Done.
func (s *Subscription) Updates() <-chan models.Snapshot {
	return s.updates
}

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func New(load SnapshotFunc, options Options) *Hub {
	if options.Buffer <= 0 {
		options.Buffer = 4
	}
	if options.QueueSize <= 0 {
		options.QueueSize = 64
	}
	if options.SnapshotTimeout <= 0 {
		options.SnapshotTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		load:    load,
		options: options,
		ctx:     ctx,
		cancel:  cancel,
		clinics: make(map[int64]*clinic),
	}
}

// Subscribe registers a subscriber for clinicID and queues one snapshot for
// it alone. The subscription is removed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, clinicID int64) (*Subscription, error) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		ClinicID: clinicID,
		updates:  make(chan models.Snapshot, h.options.Buffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	state, ok := h.clinics[clinicID]
	if !ok {
		state = h.startClinic(clinicID)
	}
	state.subs[sub.ID] = sub
	activeSubs.Add(1)
	select {
	case state.requests <- request{target: sub}:
	default:
		state.dirty.Store(true)
	}
	h.mu.Unlock()

	context.AfterFunc(ctx, func() { h.Unsubscribe(sub) })
	return sub, nil
}

// Unsubscribe removes sub. A clinic left without subscribers is dropped and
// its worker stops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	state, ok := h.clinics[sub.ClinicID]
	if ok {
		if _, member := state.subs[sub.ID]; member {
			delete(state.subs, sub.ID)
			activeSubs.Add(-1)
		}
		if len(state.subs) == 0 {
			delete(h.clinics, sub.ClinicID)
			close(state.quit)
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish asks the clinic's worker to push a fresh snapshot. It never blocks
// and is a no-op for clinics without subscribers.
func (h *Hub) Publish(clinicID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.clinics[clinicID]
	if !ok {
		return
	}
	select {
	case state.requests <- request{}:
	default:
		state.dirty.Store(true)
	}
}

// ActiveClinics lists clinics that currently have subscribers.
func (h *Hub) ActiveClinics() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int64, 0, len(h.clinics))
	for id := range h.clinics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every worker and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for id, state := range h.clinics {
		for _, sub := range state.subs {
			subs = append(subs, sub)
		}
		activeSubs.Add(-int64(len(state.subs)))
		delete(h.clinics, id)
		close(state.quit)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	for _, sub := range subs {
		sub.close()
	}
}

// startClinic must be called with h.mu held.
func (h *Hub) startClinic(clinicID int64) *clinic {
	state := &clinic{
		id:       clinicID,
		subs:     make(map[string]*Subscription),
		requests: make(chan request, h.options.QueueSize),
		quit:     make(chan struct{}),
	}
	h.clinics[clinicID] = state
	h.wg.Add(1)
	go h.run(state)
	return state
}

func (h *Hub) run(state *clinic) {
	defer h.wg.Done()
	for {
		select {
		case <-state.quit:
			return
		case <-h.ctx.Done():
			return
		case req := <-state.requests:
			h.deliver(state, req)
		}
		if state.dirty.CompareAndSwap(true, false) {
			h.deliver(state, request{})
		}
	}
}

func (h *Hub) deliver(state *clinic, req request) {
	targets := h.targets(state, req)
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.options.SnapshotTimeout)
	snapshot, err := h.load(ctx, state.id)
	cancel()
	if err != nil {
		snapshotErrors.Add(1)
		log.Warn().Err(err).Int64("clinic_id", state.id).Msg("snapshot load failed")
		return
	}

	for _, sub := range targets {
		offer(sub, snapshot)
	}
}

func (h *Hub) targets(state *clinic, req request) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.target != nil {
		if _, ok := state.subs[req.target.ID]; !ok {
			return nil
		}
		return []*Subscription{req.target}
	}
	out := make([]*Subscription, 0, len(state.subs))
	for _, sub := range state.subs {
		out = append(out, sub)
	}
	return out
}

// offer hands snapshot to sub, discarding the oldest buffered snapshot when
// the subscriber is behind. Only the clinic worker sends on updates.
func offer(sub *Subscription, snapshot models.Snapshot) {
	for {
		select {
		case <-sub.done:
			return
		default:
		}
		select {
		case sub.updates <- snapshot:
			snapshotsPushed.Add(1)
			return
		default:
		}
		select {
		case <-sub.updates:
			snapshotsDropped.Add(1)
		default:
		}
	}
}

// Envelope is the wire shape pushed to stream clients.
type Envelope struct {
	Type     string          `json:"type"`
	Snapshot models.Snapshot `json:"snapshot"`
}

func Encode(snapshot models.Snapshot) []byte {
	payload, _ := json.Marshal(Envelope{Type: "snapshot", Snapshot: snapshot})
	return payload
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	ClinicID int64  `json:"clinic_id"`
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "subscribe":
		return msg, msg.ClinicID > 0
	case "unsubscribe":
		return msg, true
	default:
		return SubscribeMessage{}, false
	}
}
