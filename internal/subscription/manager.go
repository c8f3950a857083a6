// Package subscription keeps one live registry entry per asset key, each
// owning a poll task that pulls fresh bars through the orchestrator and a
// broadcaster task that fans frames out to subscribers.
package subscription

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/metrics"
	"github.com/tickd/tickd/internal/orchestrator"
	"github.com/tickd/tickd/internal/storage"
)

// catchUpLimit caps the initial batch when the client supplies since.
const catchUpLimit = 5000

// Subscriber is one connected client attached to an entry. Send must
// return an error when the connection is dead or cannot keep up.
type Subscriber interface {
	ID() string
	Send(Frame) error
}

// Fetcher is the orchestrator surface the manager consumes.
type Fetcher interface {
	Fetch(ctx context.Context, req orchestrator.Request) ([]domain.Bar, error)
}

// Options tunes poll cadence and queue sizing.
type Options struct {
	ChartPoints  int
	QueueSize    int
	MinPoll      time.Duration
	MaxPoll      time.Duration
	InitialDelay time.Duration
	JitterFactor float64
	MaxFailures  int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
}

// OptionsFromConfig converts the second-granularity config knobs.
func OptionsFromConfig(chart config.ChartConfig, poll config.PollConfig, ws config.WSConfig) Options {
	return Options{
		ChartPoints:  chart.DefaultPoints,
		QueueSize:    ws.QueueSize,
		MinPoll:      time.Duration(poll.MinIntervalSec) * time.Second,
		MaxPoll:      time.Duration(poll.MaxIntervalSec) * time.Second,
		InitialDelay: time.Duration(poll.InitialDelaySec) * time.Second,
		JitterFactor: poll.JitterFactor,
		MaxFailures:  poll.MaxFailuresBeforeBack,
		BackoffBase:  time.Duration(poll.BackoffBaseSec) * time.Second,
		MaxBackoff:   time.Duration(poll.MaxBackoffSec) * time.Second,
	}
}

// entry is the per-AssetKey runtime state. Poll and broadcaster tasks
// are the only writers of lastSent/failures; subscribers are mutated
// under mu.
type entry struct {
	key    domain.AssetKey
	tf     domain.Timeframe
	queue  chan Frame
	cancel context.CancelFunc

	mu            sync.Mutex
	subs          map[string]*subscriberState
	lastSent      int64
	failures      int
	cooldownUntil int64
}

func (e *entry) snapshot() map[string]*subscriberState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*subscriberState, len(e.subs))
	for id, s := range e.subs {
		out[id] = s
	}
	return out
}

// subscriberState wraps an attached subscriber. During the subscribe
// handshake broadcast frames are buffered instead of sent, then flushed
// once the initial batch is on the wire, so no frame falls between the
// initial fetch and attachment. Clients dedup overlap by timestamp.
type subscriberState struct {
	sub Subscriber

	mu        sync.Mutex
	buffering bool
	buf       []Frame
	maxBuf    int
}

func (st *subscriberState) deliver(f Frame) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.buffering {
		if len(st.buf) < st.maxBuf {
			st.buf = append(st.buf, f)
		}
		return nil
	}
	return st.sub.Send(f)
}

// activate flushes the handshake buffer and switches to direct delivery.
func (st *subscriberState) activate() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.buffering = false
	buf := st.buf
	st.buf = nil
	for _, f := range buf {
		if err := st.sub.Send(f); err != nil {
			return err
		}
	}
	return nil
}

// Manager owns the subscription registry.
type Manager struct {
	fetch    Fetcher
	store    storage.BarStore // may be nil; 1m poll deltas are persisted when set
	cache    cache.Cache      // may be nil
	backfill orchestrator.BackfillTrigger
	opts     Options
	logger   zerolog.Logger
	now      func() int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	entries map[string]*entry
}

// NewManager builds the registry. store, c and backfill may be nil.
func NewManager(fetch Fetcher, store storage.BarStore, c cache.Cache, backfill orchestrator.BackfillTrigger, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ChartPoints <= 0 {
		opts.ChartPoints = orchestrator.DefaultLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		fetch:    fetch,
		store:    store,
		cache:    c,
		backfill: backfill,
		opts:     opts,
		logger:   log.With().Str("component", "subscription").Logger(),
		now:      func() int64 { return time.Now().UnixMilli() },
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

// Subscribe attaches the subscriber in buffering mode, fetches and sends
// the subscribed frame plus the initial batch, then flushes anything
// broadcast during the handshake. Ordering for the client is always
// subscribed, initial batch, live frames.
func (m *Manager) Subscribe(ctx context.Context, sub Subscriber, key domain.AssetKey, since *int64) error {
	tf, err := domain.ParseTimeframe(key.Timeframe)
	if err != nil {
		sub.Send(NewMessageFrame(FrameError, key, err.Error()))
		return err
	}
	if err := key.Validate(); err != nil {
		sub.Send(NewMessageFrame(FrameError, key, err.Error()))
		return err
	}

	st := &subscriberState{sub: sub, buffering: true, maxBuf: m.opts.QueueSize}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("subscription manager is shut down")
	}
	e, created := m.getOrCreateLocked(key, tf)
	e.mu.Lock()
	e.subs[sub.ID()] = st
	e.mu.Unlock()
	m.mu.Unlock()
	if created {
		metrics.ActiveSubscriptions.Inc()
	}
	metrics.Subscribers.Inc()

	activated := false
	defer func() {
		if !activated {
			m.Unsubscribe(key, sub.ID())
		}
	}()

	limit := m.opts.ChartPoints
	if since != nil {
		limit = catchUpLimit
	}
	bars, err := m.fetch.Fetch(ctx, orchestrator.Request{
		Asset:     key.Asset(),
		Timeframe: key.Timeframe,
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		sub.Send(NewMessageFrame(FrameError, key, err.Error()))
		return err
	}

	if err := sub.Send(NewMessageFrame(FrameSubscribed, key, "subscribed to "+key.String())); err != nil {
		return err
	}
	if err := sub.Send(NewDataFrame(key, bars, true)); err != nil {
		return err
	}

	e.mu.Lock()
	if n := len(bars); n > 0 && bars[n-1].Timestamp > e.lastSent {
		e.lastSent = bars[n-1].Timestamp
	}
	e.mu.Unlock()

	if err := st.activate(); err != nil {
		return err
	}
	activated = true

	if m.backfill != nil {
		m.backfill.Trigger(key.Asset())
	}
	return nil
}

// Unsubscribe detaches the subscriber. The entry and its tasks are torn
// down when the last subscriber leaves.
func (m *Manager) Unsubscribe(key domain.AssetKey, subID string) {
	m.mu.Lock()
	e, ok := m.entries[key.String()]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	_, present := e.subs[subID]
	delete(e.subs, subID)
	e.mu.Unlock()
	if present {
		metrics.Subscribers.Dec()
	}
	m.destroyIfEmpty(e)
}

// EntryCount returns the number of live registry entries.
func (m *Manager) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown cancels all poll and broadcaster tasks and waits up to grace.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn().Msg("subscription tasks did not stop within grace period")
	}
}

func (m *Manager) getOrCreateLocked(key domain.AssetKey, tf domain.Timeframe) (*entry, bool) {
	if e, ok := m.entries[key.String()]; ok {
		return e, false
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		key:    key,
		tf:     tf,
		queue:  make(chan Frame, m.opts.QueueSize),
		cancel: cancel,
		subs:   make(map[string]*subscriberState),
	}
	m.entries[key.String()] = e
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.pollLoop(ctx, e)
	}()
	go func() {
		defer m.wg.Done()
		m.broadcastLoop(ctx, e)
	}()
	m.logger.Info().Str("key", key.String()).Msg("subscription entry created")
	return e, true
}

func (m *Manager) destroyIfEmpty(e *entry) {
	m.mu.Lock()
	e.mu.Lock()
	empty := len(e.subs) == 0
	e.mu.Unlock()
	if empty {
		if cur, ok := m.entries[e.key.String()]; ok && cur == e {
			delete(m.entries, e.key.String())
			metrics.ActiveSubscriptions.Dec()
			e.cancel()
			m.logger.Info().Str("key", e.key.String()).Msg("subscription entry destroyed")
		}
	}
	m.mu.Unlock()
}

// pollLoop fetches deltas newer than the last sent timestamp and feeds
// the entry queue. Repeated failures put the entry in cooldown.
func (m *Manager) pollLoop(ctx context.Context, e *entry) {
	if !sleepCtx(ctx, m.opts.InitialDelay) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		cooldown := e.cooldownUntil
		lastSent := e.lastSent
		e.mu.Unlock()

		if now := m.now(); now < cooldown {
			if !sleepCtx(ctx, time.Duration(cooldown-now)*time.Millisecond) {
				return
			}
			e.mu.Lock()
			e.failures = 0
			e.cooldownUntil = 0
			e.mu.Unlock()
			continue
		}

		var since *int64
		if lastSent > 0 {
			s := lastSent
			since = &s
		}
		bars, err := m.fetch.Fetch(ctx, orchestrator.Request{
			Asset:     e.key.Asset(),
			Timeframe: e.key.Timeframe,
			Since:     since,
			Limit:     m.opts.ChartPoints,
		})
		if err != nil {
			m.handlePollFailure(e, err)
		} else {
			m.handlePollResult(e, lastSent, bars)
		}

		if !sleepCtx(ctx, m.pollInterval(e.tf)) {
			return
		}
	}
}

func (m *Manager) handlePollResult(e *entry, lastSent int64, bars []domain.Bar) {
	deltas := bars[:0:0]
	for _, b := range bars {
		if b.Timestamp > lastSent {
			deltas = append(deltas, b)
		}
	}

	e.mu.Lock()
	e.failures = 0
	if n := len(deltas); n > 0 && deltas[n-1].Timestamp > e.lastSent {
		e.lastSent = deltas[n-1].Timestamp
	}
	e.mu.Unlock()

	if len(deltas) == 0 {
		return
	}
	m.enqueue(e, NewDataFrame(e.key, deltas, false))

	// Polled 1m bars are the freshest we will ever see; keep the store
	// and cache warm for other readers.
	if e.tf.Is1m() {
		m.schedulePersist(e.key, deltas)
	}
}

// schedulePersist upserts fresh poll deltas to the database and cache
// off the poll task, so a slow write cannot delay the next tick.
func (m *Manager) schedulePersist(key domain.AssetKey, bars []domain.Bar) {
	if m.store == nil && m.cache == nil {
		return
	}
	persist := make([]domain.Bar, len(bars))
	copy(persist, bars)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if m.store != nil {
			if err := m.store.UpsertBars(ctx, key, persist); err != nil {
				m.logger.Warn().Err(err).Str("key", key.String()).Msg("poll delta upsert failed")
			}
		}
		if m.cache != nil {
			m.cache.Store1m(ctx, key.Asset(), persist)
		}
	}()
}

func (m *Manager) handlePollFailure(e *entry, err error) {
	metrics.PollFailures.Inc()
	e.mu.Lock()
	e.failures++
	failures := e.failures
	var cooldown time.Duration
	if failures >= m.opts.MaxFailures {
		cooldown = m.opts.BackoffBase << uint(failures-m.opts.MaxFailures)
		if cooldown > m.opts.MaxBackoff || cooldown <= 0 {
			cooldown = m.opts.MaxBackoff
		}
		e.cooldownUntil = m.now() + cooldown.Milliseconds()
	}
	e.mu.Unlock()

	m.logger.Warn().Err(err).
		Str("key", e.key.String()).
		Int("failures", failures).
		Msg("poll failed")
	if cooldown > 0 {
		m.enqueue(e, NewMessageFrame(FrameNotice, e.key,
			fmt.Sprintf("data feed degraded, retrying in %s", cooldown)))
	}
}

// broadcastLoop drains the entry queue and fans each frame out. Dead or
// backpressured subscribers are dropped rather than stalling the loop.
func (m *Manager) broadcastLoop(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.queue:
			subs := e.snapshot()
			var (
				deadMu sync.Mutex
				dead   []string
				wg     sync.WaitGroup
			)
			for id, s := range subs {
				wg.Add(1)
				go func(id string, s *subscriberState) {
					defer wg.Done()
					if err := s.deliver(f); err != nil {
						deadMu.Lock()
						dead = append(dead, id)
						deadMu.Unlock()
					}
				}(id, s)
			}
			wg.Wait()
			for _, id := range dead {
				m.dropSubscriber(e, id)
			}
		}
	}
}

func (m *Manager) dropSubscriber(e *entry, id string) {
	e.mu.Lock()
	_, present := e.subs[id]
	delete(e.subs, id)
	e.mu.Unlock()
	if !present {
		return
	}
	metrics.Subscribers.Dec()
	metrics.DroppedSubscribers.Inc()
	m.logger.Warn().Str("key", e.key.String()).Str("subscriber", id).Msg("dropping dead subscriber")
	m.destroyIfEmpty(e)
}

func (m *Manager) enqueue(e *entry, f Frame) {
	select {
	case e.queue <- f:
	default:
		m.logger.Warn().Str("key", e.key.String()).Str("type", f.Type).Msg("broadcast queue full, frame dropped")
	}
}

// pollInterval derives the cadence from the timeframe: a tenth of the
// period, clamped, with random jitter.
func (m *Manager) pollInterval(tf domain.Timeframe) time.Duration {
	base := tf.Period() / 10
	if base < m.opts.MinPoll {
		base = m.opts.MinPoll
	}
	if base > m.opts.MaxPoll {
		base = m.opts.MaxPoll
	}
	if m.opts.JitterFactor > 0 {
		jitter := time.Duration((2*rand.Float64() - 1) * m.opts.JitterFactor * float64(base))
		base += jitter
	}
	return base
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
