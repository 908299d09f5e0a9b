// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Deliverer executes a translated payload on its platform and returns the
// destination event ID of whatever it created. For redactions, which create
// nothing, the returned ID may be empty.
type Deliverer interface {
	Platform() Platform
	Capabilities() Capabilities
	Deliver(ctx context.Context, dest ConvKey, proxyUserID string, msg *NormalizedMessage, tr *Translation) (string, error)
}

// Engine is the per-conversation ordered delivery pipeline. Inbound adapters
// call Enqueue; the engine resolves the conversation mapping, deduplicates by
// source event ID, fans tasks out to per-conversation FIFO queues, and drives
// each task through its state machine with retry, backoff and dead-lettering.
type Engine struct {
	cfg         RelayConfig
	log         zerolog.Logger
	store       *Store
	provisioner *Provisioner
	translator  Translator

	deliverersMu sync.RWMutex
	deliverers   map[Platform]Deliverer

	limiters map[Platform]*rate.Limiter

	runCtx context.Context

	queuesMu sync.Mutex
	queues   map[string]chan *OutboundTask

	cachesMu sync.Mutex
	caches   map[string]*eventCache

	// sem caps concurrent deliveries across all conversations. A slot is
	// held for one attempt only, never across a backoff wait.
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewEngine builds a relay engine with the given policy.
func NewEngine(cfg RelayConfig, store *Store, provisioner *Provisioner, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         log.With().Str("component", "engine").Logger(),
		store:       store,
		provisioner: provisioner,
		deliverers:  make(map[Platform]Deliverer),
		limiters:    make(map[Platform]*rate.Limiter),
		queues:      make(map[string]chan *OutboundTask),
		caches:      make(map[string]*eventCache),
		sem:         make(chan struct{}, cfg.Workers),
	}
	for name, rl := range cfg.RateLimits {
		if rl.MessagesPerSecond <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiters[Platform(name)] = rate.NewLimiter(rate.Limit(rl.MessagesPerSecond), burst)
	}
	return e
}

// RegisterDeliverer wires a destination platform.
func (e *Engine) RegisterDeliverer(d Deliverer) {
	e.deliverersMu.Lock()
	defer e.deliverersMu.Unlock()
	e.deliverers[d.Platform()] = d
}

func (e *Engine) deliverer(p Platform) Deliverer {
	e.deliverersMu.RLock()
	defer e.deliverersMu.RUnlock()
	return e.deliverers[p]
}

// Start resumes persisted tasks and makes the engine ready to accept new
// ones. The context governs all worker goroutines.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx
	tasks, err := e.store.LoadResumableTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := e.dispatch(ctx, task); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		e.log.Info().Int("count", len(tasks)).Msg("Resumed persisted tasks")
	}
	return nil
}

// Shutdown waits for in-flight deliveries to finish, up to grace. Queued
// tasks stay persisted and resume on the next start.
func (e *Engine) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn().Msg("Shutdown grace elapsed with deliveries still in flight")
	}
}

// Enqueue accepts a normalized message from an inbound adapter: it validates,
// deduplicates by source event ID, resolves (or lazily creates) the
// conversation mapping, persists the task and hands it to the conversation's
// queue. It returns once the task is durably enqueued; delivery reliability
// is the engine's separate concern.
func (e *Engine) Enqueue(ctx context.Context, msg *NormalizedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	delivered, err := e.store.IsDelivered(ctx, msg.SourcePlatform, msg.SourceEventID)
	if err != nil {
		return err
	}
	if delivered {
		e.log.Debug().
			Str("source_event_id", msg.SourceEventID).
			Msg("Already delivered, dropping duplicate")
		return nil
	}

	dest, err := e.store.ResolveOrCreateConversation(ctx, msg.SourceConv(), msg.ConversationName)
	if err != nil {
		return err
	}

	task, created, err := e.store.CreateTask(ctx, msg, dest)
	if err != nil {
		return err
	}
	if !created {
		e.log.Debug().
			Str("source_event_id", msg.SourceEventID).
			Msg("Task already queued, dropping duplicate")
		return nil
	}
	return e.dispatch(ctx, task)
}

// dispatch hands a task to its conversation queue, starting the conversation
// worker on first use. The send blocks when the queue is full, providing
// backpressure to the inbound adapters.
func (e *Engine) dispatch(ctx context.Context, task *OutboundTask) error {
	queue := e.queueFor(task.DestConv)
	select {
	case queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) queueFor(dest ConvKey) chan *OutboundTask {
	key := dest.String()
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	queue, ok := e.queues[key]
	if !ok {
		queue = make(chan *OutboundTask, e.cfg.QueueSize)
		e.queues[key] = queue
		e.wg.Add(1)
		go e.conversationWorker(key, queue)
	}
	return queue
}

// conversationWorker drains one conversation's queue in FIFO order. A task
// blocks the queue until it is delivered or dead-lettered, which is what
// preserves per-conversation ordering; distinct conversations progress
// independently.
func (e *Engine) conversationWorker(key string, queue chan *OutboundTask) {
	defer e.wg.Done()
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	log := e.log.With().Str("conversation", key).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-queue:
			e.process(ctx, log, task)
		}
	}
}

// process drives one task through its state machine.
func (e *Engine) process(ctx context.Context, log zerolog.Logger, task *OutboundTask) {
	msg := task.Message
	log = log.With().
		Str("source_event_id", msg.SourceEventID).
		Str("kind", string(msg.Kind)).
		Logger()

	deliverer := e.deliverer(task.DestConv.Platform)
	if deliverer == nil {
		log.Error().Str("platform", string(task.DestConv.Platform)).Msg("No deliverer registered")
		e.deadLetter(ctx, log, task, "no deliverer registered for destination platform", nil)
		return
	}
	caps := deliverer.Capabilities()

	for {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		task.AttemptCount++
		task.State = TaskInFlight
		if err := e.store.UpdateTaskState(ctx, task.ID, TaskInFlight, task.AttemptCount); err != nil {
			log.Warn().Err(err).Msg("Failed to persist task state")
		}

		destEventID, err := e.attemptDelivery(ctx, log, task, deliverer, caps)
		<-e.sem
		if err == nil {
			if err := e.store.RecordMessage(ctx, msg, task.DestConv, destEventID); err != nil {
				log.Error().Err(err).Msg("Delivered but failed to record message map")
			}
			if destEventID != "" {
				e.cacheFor(task.DestConv).put(msg.SourcePlatform, msg.SourceEventID, destEventID)
			}
			if err := e.store.FinishTask(ctx, task.ID); err != nil {
				log.Warn().Err(err).Msg("Failed to remove delivered task")
			}
			log.Debug().
				Str("dest_event_id", destEventID).
				Int("attempts", task.AttemptCount).
				Msg("Delivered")
			return
		}

		if IsPermanent(err) {
			log.Error().Err(err).Msg("Permanent delivery failure")
			e.deadLetter(ctx, log, task, err.Error(), deliverer)
			return
		}

		if task.AttemptCount >= e.cfg.MaxAttempts {
			log.Error().Err(err).
				Int("attempts", task.AttemptCount).
				Msg("Attempt budget exhausted")
			e.deadLetter(ctx, log, task, fmt.Sprintf("attempt budget exhausted: %v", err), deliverer)
			return
		}

		delay := e.backoff(task.AttemptCount, err)
		log.Warn().Err(err).
			Int("attempt", task.AttemptCount).
			Dur("retry_in", delay).
			Msg("Transient delivery failure, backing off")
		task.State = TaskRetryWait
		if err := e.store.UpdateTaskState(ctx, task.ID, TaskRetryWait, task.AttemptCount); err != nil {
			log.Warn().Err(err).Msg("Failed to persist task state")
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// attemptDelivery performs one delivery attempt: rate gate, reference
// resolution, proxy provisioning, translation, platform call.
func (e *Engine) attemptDelivery(ctx context.Context, log zerolog.Logger, task *OutboundTask, deliverer Deliverer, caps Capabilities) (string, error) {
	msg := task.Message

	if limiter := e.limiters[task.DestConv.Platform]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", Transient(err)
		}
	}

	refs, err := e.resolveRefs(ctx, task)
	if err != nil {
		return "", Transient(err)
	}

	proxyID := ""
	hasProxy := false
	if caps.ProxyIdentities && msg.Kind != KindNotice {
		proxyID, err = e.provisioner.EnsureProxy(ctx, task.DestConv.Platform, msg.SourcePlatform, msg.SenderID, msg.SenderName)
		if err != nil {
			// Non-fatal: fall back to the shared bridge identity with the
			// sender named in the body. Proxy creation retries on the
			// sender's next message.
			log.Warn().Err(err).
				Str("sender_id", msg.SenderID).
				Msg("Proxy provisioning failed, using shared identity")
			proxyID = ""
		}
		hasProxy = proxyID != ""
	}

	tr := e.translator.Translate(msg, caps, refs, hasProxy)
	switch tr.Fidelity {
	case FidelityUnsupported:
		return "", Permanentf("untranslatable message: %s", tr.Reason)
	case FidelityDegraded:
		log.Info().Str("reason", tr.Reason).Msg("Delivering with degraded fidelity")
	}

	return deliverer.Deliver(ctx, task.DestConv, proxyID, msg, &tr)
}

// resolveRefs maps the message's source-side references to destination event
// IDs via the recent-event cache, falling back to the persistent message map.
func (e *Engine) resolveRefs(ctx context.Context, task *OutboundTask) (ResolvedRefs, error) {
	msg := task.Message
	var refs ResolvedRefs
	var err error
	if msg.ReplyToEventID != "" {
		refs.ReplyToDestID, err = e.mapEvent(ctx, task.DestConv, msg.SourcePlatform, msg.ReplyToEventID)
		if err != nil {
			return refs, err
		}
	}
	if msg.EditOfEventID != "" {
		refs.EditOfDestID, err = e.mapEvent(ctx, task.DestConv, msg.SourcePlatform, msg.EditOfEventID)
		if err != nil {
			return refs, err
		}
	}
	if msg.RedactsEventID != "" {
		refs.RedactsDestID, err = e.mapEvent(ctx, task.DestConv, msg.SourcePlatform, msg.RedactsEventID)
		if err != nil {
			return refs, err
		}
	}
	return refs, nil
}

func (e *Engine) mapEvent(ctx context.Context, dest ConvKey, from Platform, eventID string) (string, error) {
	if mapped, ok := e.cacheFor(dest).get(from, eventID); ok {
		return mapped, nil
	}
	mapped, ok, err := e.store.MapEvent(ctx, from, eventID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return mapped, nil
}

// deadLetter persists the failed task and posts a degraded notice to the
// destination conversation so humans on both sides know the mirror is
// incomplete. The notice is best-effort and never retried.
func (e *Engine) deadLetter(ctx context.Context, log zerolog.Logger, task *OutboundTask, reason string, deliverer Deliverer) {
	task.State = TaskDeadLettered
	if err := e.store.DeadLetter(ctx, task, reason); err != nil {
		log.Error().Err(err).Msg("Failed to persist dead letter")
	}
	log.Error().
		Str("reason", reason).
		Int("attempts", task.AttemptCount).
		Msg("Task dead-lettered")

	if deliverer == nil || task.Message.Kind == KindNotice {
		return
	}
	notice := Translation{
		Fidelity: FidelityDegraded,
		Reason:   reason,
		Kind:     KindNotice,
		Body:     "⚠ A message could not be bridged.",
	}
	if _, err := deliverer.Deliver(ctx, task.DestConv, "", task.Message, &notice); err != nil {
		log.Warn().Err(err).Msg("Failed to deliver bridge failure notice")
	}
}

// backoff computes the wait before the next attempt: exponential with
// jitter, capped, and never shorter than a server-mandated Retry-After.
func (e *Engine) backoff(attempt int, err error) time.Duration {
	base := time.Duration(e.cfg.RetryBaseSeconds * float64(time.Second))
	maxDelay := time.Duration(e.cfg.RetryMaxSeconds * float64(time.Second))
	delay := base << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	// Jitter in [delay/2, delay).
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	if after, ok := RetryAfter(err); ok && after > delay {
		delay = after
	}
	return delay
}

func (e *Engine) cacheFor(dest ConvKey) *eventCache {
	key := dest.String()
	e.cachesMu.Lock()
	defer e.cachesMu.Unlock()
	cache, ok := e.caches[key]
	if !ok {
		cache = newEventCache(e.cfg.EventCacheSize)
		e.caches[key] = cache
	}
	return cache
}

// eventCache is a bounded per-conversation map of recently bridged event ID
// pairs with oldest-first eviction. It fronts the persistent message map for
// reply and edit resolution.
type eventCache struct {
	mu    sync.Mutex
	limit int
	order []string
	items map[string]string
}

func newEventCache(limit int) *eventCache {
	return &eventCache{
		limit: limit,
		items: make(map[string]string),
	}
}

func cacheKey(from Platform, eventID string) string {
	return string(from) + "\x00" + eventID
}

// put records the correspondence in both directions.
func (c *eventCache) put(source Platform, sourceEventID, destEventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(cacheKey(source, sourceEventID), destEventID)
	c.add(cacheKey(source.Other(), destEventID), sourceEventID)
}

func (c *eventCache) add(key, value string) {
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		for len(c.order) > c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = value
}

func (c *eventCache) get(from Platform, eventID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mapped, ok := c.items[cacheKey(from, eventID)]
	return mapped, ok
}
