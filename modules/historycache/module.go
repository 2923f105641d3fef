// Package historycache implements the bounded per-conversation history
// window cache that sits between the UI and the persistent event store.
package historycache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kataribe/internal/metrics"
	"kataribe/pkg/kataribe"
)

const (
	defaultMaxWindows         = 5
	defaultMaxEventsPerWindow = 100
	defaultBatchSize          = 20
	defaultMinPreviewEvents   = 1

	// evictionNotifyTimeout bounds the fire-and-forget backend trim call so a
	// slow store can never pin goroutines indefinitely.
	evictionNotifyTimeout = 3 * time.Second
)

// ServiceLogger is the optional service registry key for structured logging.
const ServiceLogger = "logger"

// Option mutates history cache module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithBackend injects the backend query port directly, bypassing service lookup.
func WithBackend(backend kataribe.BackendQueryPort) Option {
	return func(module *Module) {
		if backend != nil {
			module.backend = backend
		}
	}
}

// WithMaxWindows sets how many conversations can be windowed at once.
func WithMaxWindows(maxWindows int) Option {
	return func(module *Module) {
		if maxWindows > 0 {
			module.maxWindows = maxWindows
		}
	}
}

// WithMaxEventsPerWindow sets the per-conversation event cap.
func WithMaxEventsPerWindow(maxEvents int) Option {
	return func(module *Module) {
		if maxEvents > 0 {
			module.maxEventsPerWindow = maxEvents
		}
	}
}

// WithBatchSize sets the default pagination page size.
func WithBatchSize(batchSize int) Option {
	return func(module *Module) {
		if batchSize > 0 {
			module.batchSize = batchSize
		}
	}
}

// WithMinPreviewEvents sets how many events an evicted conversation keeps
// server-side for list-view previews.
func WithMinPreviewEvents(minPreview int) Option {
	return func(module *Module) {
		if minPreview > 0 {
			module.minPreviewEvents = minPreview
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(cacheMetrics *metrics.CacheMetrics) Option {
	return func(module *Module) {
		if cacheMetrics != nil {
			module.metrics = cacheMetrics
		}
	}
}

// withClock overrides the time source for deterministic tests.
func withClock(clock func() time.Time) Option {
	return func(module *Module) {
		if clock != nil {
			module.clock = clock
		}
	}
}

// Module is the LRU-ordered collection of conversation windows plus the
// attachment hash index, exposed as the kataribe.HistoryCache service.
type Module struct {
	logger             *slog.Logger
	backend            kataribe.BackendQueryPort
	maxWindows         int
	maxEventsPerWindow int
	batchSize          int
	minPreviewEvents   int
	clock              func() time.Time
	metrics            *metrics.CacheMetrics

	mu          sync.Mutex
	windows     map[string]*conversationWindow
	lru         *list.List
	index       map[string]*list.Element
	attachments map[string]kataribe.AttachmentRef

	loadMu sync.Mutex
	loads  map[string]*sync.Mutex

	notifyWG sync.WaitGroup
}

// evictionNotice records one LRU eviction that still owes the backend a trim
// notification once the cache lock is released.
type evictionNotice struct {
	conversationID string
	keepCount      int
}

// New creates a history cache module with bounded in-memory windows.
func New(options ...Option) *Module {
	module := &Module{
		logger:             slog.Default(),
		maxWindows:         defaultMaxWindows,
		maxEventsPerWindow: defaultMaxEventsPerWindow,
		batchSize:          defaultBatchSize,
		minPreviewEvents:   defaultMinPreviewEvents,
		clock:              time.Now,
		windows:            make(map[string]*conversationWindow),
		lru:                list.New(),
		index:              make(map[string]*list.Element),
		attachments:        make(map[string]kataribe.AttachmentRef),
		loads:              make(map[string]*sync.Mutex),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "history-cache"
}

// Spec declares which pushed events mutate the cache.
func (m *Module) Spec() kataribe.ModuleSpec {
	return kataribe.ModuleSpec{
		Handlers: []kataribe.ModuleHandler{
			{
				Capability: kataribe.Capability{
					Name:        "history-window-writer",
					Description: "merges real-time conversation events into bounded per-conversation windows",
					Interest: kataribe.InterestSet{
						Kinds: []kataribe.EventKind{
							kataribe.EventKindMessage,
							kataribe.EventKindPayment,
							kataribe.EventKindMemberChange,
						},
					},
					RequiredServices: []string{kataribe.ServiceBackendQueryPort},
				},
				Subscription: kataribe.NewDefaultSubscriptionSpec("history-window-writer"),
				Handler:      m.handleRealtimeEvent,
			},
			{
				Capability: kataribe.Capability{
					Name:        "history-reaction-writer",
					Description: "attaches pushed reactions to already-cached events in place",
					Interest: kataribe.InterestSet{
						Kinds: []kataribe.EventKind{kataribe.EventKindReaction},
					},
				},
				Subscription: kataribe.NewDefaultSubscriptionSpec("history-reaction-writer"),
				Handler:      m.handleReactionEvent,
			},
		},
	}
}

// OnRegister resolves dependencies and registers this module as the shared
// HistoryCache service.
func (m *Module) OnRegister(_ context.Context, runtime kataribe.ModuleRuntime) error {
	logger, err := kataribe.ResolveAs[*slog.Logger](runtime.Services(), ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, kataribe.ErrServiceNotFound):
	default:
		return fmt.Errorf("history cache resolve logger: %w", err)
	}

	if m.backend == nil {
		backend, err := kataribe.ResolveAs[kataribe.BackendQueryPort](
			runtime.Services(),
			kataribe.ServiceBackendQueryPort,
		)
		if err != nil {
			return fmt.Errorf("history cache resolve backend query port: %w", err)
		}
		m.backend = backend
	}

	if err := runtime.Services().Register(kataribe.ServiceHistoryCache, m); err != nil {
		return fmt.Errorf("history cache register service %s: %w", kataribe.ServiceHistoryCache, err)
	}

	return nil
}

// OnStart loads the attachment hash index. Index load failure degrades to an
// empty index rather than blocking startup.
func (m *Module) OnStart(ctx context.Context) error {
	hashes, err := m.backend.AllAttachmentHashes(ctx)
	if err != nil {
		m.observeBackendFailure()
		m.logger.WarnContext(ctx,
			"attachment hash index load failed, continuing with empty index",
			"module", m.Name(),
			"error", err,
		)
		hashes = nil
	}

	m.mu.Lock()
	m.attachments = make(map[string]kataribe.AttachmentRef, len(hashes))
	for hash, ref := range hashes {
		m.attachments[hash] = ref
	}
	indexed := len(m.attachments)
	m.mu.Unlock()

	m.logger.InfoContext(ctx,
		"history cache module started",
		"module", m.Name(),
		"max_windows", m.maxWindows,
		"max_events_per_window", m.maxEventsPerWindow,
		"batch_size", m.batchSize,
		"min_preview_events", m.minPreviewEvents,
		"attachment_hashes", indexed,
	)

	return nil
}

// OnShutdown drops cached state and waits for in-flight eviction notifications.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	windowCount := len(m.windows)
	m.resetLocked()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("history cache shutdown: %w", ctx.Err())
	}

	m.logger.InfoContext(ctx,
		"history cache module shutdown",
		"module", m.Name(),
		"windows", windowCount,
	)

	return nil
}

// handleRealtimeEvent is the bus entry point for pushed non-reaction events.
func (m *Module) handleRealtimeEvent(ctx context.Context, event *kataribe.DisplayEvent) error {
	inserted, err := m.AddEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("history cache handle %s: %w", event.Kind, err)
	}
	if !inserted {
		m.logger.DebugContext(ctx,
			"duplicate realtime event suppressed",
			"conversation_id", event.ConversationID,
			"event_id", event.ID,
		)
	}

	return nil
}

// handleReactionEvent attaches a pushed reaction to its cached target event.
// A miss (window or target not cached) is expected when the conversation has
// been evicted; the reaction will reappear folded into the materialized view
// on the next backend page.
func (m *Module) handleReactionEvent(ctx context.Context, event *kataribe.DisplayEvent) error {
	reaction := kataribe.Reaction{
		ID:       event.ID,
		Emoji:    event.Body,
		AuthorID: event.Author.ID,
		At:       event.At,
	}
	attached, err := m.AddReactionToEvent(ctx, event.ConversationID, event.TargetEventID, reaction)
	if err != nil {
		return fmt.Errorf("history cache handle %s: %w", event.Kind, err)
	}
	if !attached {
		m.logger.DebugContext(ctx,
			"reaction target not cached",
			"conversation_id", event.ConversationID,
			"target_event_id", event.TargetEventID,
		)
	}

	return nil
}

// LoadInitialEvents ensures at least count most-recent events are cached and
// returns the window, newest last. Backend failures degrade to cached data.
func (m *Module) LoadInitialEvents(ctx context.Context, conversationID string, count int) ([]kataribe.DisplayEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("history cache load initial events: %w", err)
	}
	if conversationID == "" {
		return nil, fmt.Errorf("history cache load initial events: empty conversation id")
	}
	if count <= 0 {
		count = m.batchSize
	}

	unlockLoad := m.lockConversationLoad(conversationID)
	defer unlockLoad()

	total, err := m.backend.CountEvents(ctx, conversationID)
	if err != nil {
		m.observeBackendFailure()
		m.logger.WarnContext(ctx,
			"event count refresh failed, serving cached data",
			"conversation_id", conversationID,
			"error", err,
		)

		return m.cachedSnapshot(conversationID), nil
	}

	m.mu.Lock()
	window, notices := m.getOrCreateLocked(conversationID)
	window.totalInDB = total
	if window.loadedOffset > total {
		window.loadedOffset = total
	}
	window.isFullyLoaded = window.loadedOffset >= total
	if total == 0 {
		window.isFullyLoaded = true
		window.loadedOffset = 0
		m.updateGaugesLocked()
		m.mu.Unlock()
		m.dispatchEvictionNotices(notices)

		return []kataribe.DisplayEvent{}, nil
	}
	if len(window.events) >= count {
		cached := window.snapshot()
		m.mu.Unlock()
		m.dispatchEvictionNotices(notices)

		return cached, nil
	}
	m.mu.Unlock()
	m.dispatchEvictionNotices(notices)

	fetched, err := m.backend.PageEvents(ctx, conversationID, count, 0)
	if err != nil {
		m.observeBackendFailure()
		m.logger.WarnContext(ctx,
			"initial page fetch failed, serving cached data",
			"conversation_id", conversationID,
			"error", err,
		)

		return m.cachedSnapshot(conversationID), nil
	}
	m.observeBackendPage()

	m.mu.Lock()
	window, notices = m.getOrCreateLocked(conversationID)
	// The window may have been evicted and recreated while the page fetch ran
	// unlocked, so the refreshed total has to be re-applied before the merge
	// computes completeness from it.
	window.totalInDB = total
	window.mergeAuthoritative(kataribe.CloneEvents(fetched))
	m.indexAttachmentsLocked(fetched)
	merged := window.snapshot()
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.dispatchEvictionNotices(notices)

	return merged, nil
}

// LoadMoreEvents fetches the next older page for an already-windowed
// conversation and returns the newly loaded events, oldest first.
func (m *Module) LoadMoreEvents(ctx context.Context, conversationID string, count int) ([]kataribe.DisplayEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("history cache load more events: %w", err)
	}
	if conversationID == "" {
		return nil, fmt.Errorf("history cache load more events: empty conversation id")
	}
	if count <= 0 {
		count = m.batchSize
	}

	unlockLoad := m.lockConversationLoad(conversationID)
	defer unlockLoad()

	m.mu.Lock()
	window, exists := m.lookupLocked(conversationID)
	if !exists || !window.hasMoreEvents() {
		m.mu.Unlock()
		return []kataribe.DisplayEvent{}, nil
	}
	offset := window.loadedOffset
	m.mu.Unlock()

	page, err := m.backend.PageEvents(ctx, conversationID, count, offset)
	if err != nil {
		m.observeBackendFailure()
		m.logger.WarnContext(ctx,
			"older page fetch failed",
			"conversation_id", conversationID,
			"offset", offset,
			"error", err,
		)

		return []kataribe.DisplayEvent{}, nil
	}
	m.observeBackendPage()

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists = m.lookupLocked(conversationID)
	if !exists {
		return []kataribe.DisplayEvent{}, nil
	}
	if len(page) == 0 {
		// The backend ran dry before loadedOffset reached totalInDB: treat as
		// effectively fully loaded instead of retrying forever.
		window.isFullyLoaded = true
		return []kataribe.DisplayEvent{}, nil
	}

	window.addBatch(kataribe.CloneEvents(page), true)
	window.loadedOffset += len(page)
	window.isFullyLoaded = window.loadedOffset >= window.totalInDB
	m.indexAttachmentsLocked(page)
	m.updateGaugesLocked()

	return kataribe.CloneEvents(page), nil
}

// AddEvent merges one real-time pushed event into its conversation window.
// It returns false when the event id is already cached.
func (m *Module) AddEvent(ctx context.Context, event *kataribe.DisplayEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("history cache add event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("history cache add event: %w", err)
	}

	m.mu.Lock()
	window, notices := m.getOrCreateLocked(event.ConversationID)
	inserted := window.addEvent(event.Clone(), m.maxEventsPerWindow)
	if inserted {
		m.indexAttachmentsLocked([]kataribe.DisplayEvent{*event})
	}
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.dispatchEvictionNotices(notices)

	if inserted {
		m.observeInsert()
	} else {
		m.observeDuplicate()
	}

	return inserted, nil
}

// AddReactionToEvent attaches a reaction to a cached event in place.
// Re-attaching an already-known reaction id is an idempotent success.
func (m *Module) AddReactionToEvent(ctx context.Context, conversationID, eventID string, reaction kataribe.Reaction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("history cache add reaction: %w", err)
	}
	if conversationID == "" || eventID == "" {
		return false, fmt.Errorf("history cache add reaction: empty conversation or event id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return false, nil
	}
	for i := range window.events {
		if window.events[i].ID != eventID {
			continue
		}
		for _, existing := range window.events[i].Reactions {
			if existing.ID == reaction.ID {
				return true, nil
			}
		}
		window.events[i].Reactions = append(window.events[i].Reactions, reaction)

		return true, nil
	}

	return false, nil
}

// GetEvent returns one cached event by id without reordering recency.
func (m *Module) GetEvent(ctx context.Context, conversationID, eventID string) (kataribe.DisplayEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return kataribe.DisplayEvent{}, false, fmt.Errorf("history cache get event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return kataribe.DisplayEvent{}, false, nil
	}
	for i := range window.events {
		if window.events[i].ID == eventID {
			return window.events[i].Clone(), true, nil
		}
	}

	return kataribe.DisplayEvent{}, false, nil
}

// GetEvents returns the cached window without touching the backend. An
// existing window is marked most-recently-used.
func (m *Module) GetEvents(ctx context.Context, conversationID string) ([]kataribe.DisplayEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("history cache get events: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return nil, false, nil
	}
	m.touchLocked(conversationID, window)

	return window.snapshot(), true, nil
}

// Has reports window existence without creating or reordering.
func (m *Module) Has(ctx context.Context, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("history cache has: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.windows[conversationID]

	return exists, nil
}

// UpdateTotalCount applies an out-of-band correction of the persisted total.
func (m *Module) UpdateTotalCount(ctx context.Context, conversationID string, total int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("history cache update total count: %w", err)
	}
	if total < 0 {
		return fmt.Errorf("history cache update total count: negative total %d", total)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return nil
	}
	window.totalInDB = total
	window.isFullyLoaded = window.loadedOffset >= window.totalInDB

	return nil
}

// Stats reports window bookkeeping for one conversation.
func (m *Module) Stats(ctx context.Context, conversationID string) (kataribe.WindowStats, bool, error) {
	if err := ctx.Err(); err != nil {
		return kataribe.WindowStats{}, false, fmt.Errorf("history cache stats: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return kataribe.WindowStats{}, false, nil
	}

	return kataribe.WindowStats{
		ConversationID: conversationID,
		CachedCount:    len(window.events),
		TotalInDB:      window.totalInDB,
		LoadedOffset:   window.loadedOffset,
		IsFullyLoaded:  window.isFullyLoaded,
		HasMoreEvents:  window.hasMoreEvents(),
		LastAccess:     window.lastAccess,
	}, true, nil
}

// LookupAttachment resolves a content hash against the attachment hash index.
func (m *Module) LookupAttachment(ctx context.Context, hash string) (kataribe.AttachmentRef, bool, error) {
	if err := ctx.Err(); err != nil {
		return kataribe.AttachmentRef{}, false, fmt.Errorf("history cache lookup attachment: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ref, exists := m.attachments[hash]

	return ref, exists, nil
}

// Clear drops every window and the attachment hash index (logout path).
func (m *Module) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("history cache clear: %w", err)
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()

	m.loadMu.Lock()
	m.loads = make(map[string]*sync.Mutex)
	m.loadMu.Unlock()

	return nil
}

// ClearConversation removes one conversation's window entirely. Unlike LRU
// eviction this is caller-driven, so the backend is not asked to trim.
func (m *Module) ClearConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("history cache clear conversation: %w", err)
	}

	m.mu.Lock()
	m.removeWindowLocked(conversationID)
	m.updateGaugesLocked()
	m.mu.Unlock()

	return nil
}

// TrimConversation enforces the per-window event cap on one conversation.
func (m *Module) TrimConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("history cache trim conversation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return nil
	}
	window.trimTo(m.maxEventsPerWindow)
	m.updateGaugesLocked()

	return nil
}

// getOrCreateLocked returns the window for a conversation, creating an empty
// one if absent, runs the eviction check, and marks the window most-recently-
// used. The returned notices must be dispatched after the lock is released.
func (m *Module) getOrCreateLocked(conversationID string) (*conversationWindow, []evictionNotice) {
	now := m.clock()
	if window, exists := m.lookupLocked(conversationID); exists {
		m.touchLocked(conversationID, window)
		m.observeWindowHit()

		return window, nil
	}

	window := newConversationWindow(conversationID, now)
	m.windows[conversationID] = window
	m.index[conversationID] = m.lru.PushBack(conversationID)
	m.observeWindowMiss()
	notices := m.evictIfNeededLocked(conversationID)
	m.updateGaugesLocked()

	return window, notices
}

func (m *Module) lookupLocked(conversationID string) (*conversationWindow, bool) {
	window, exists := m.windows[conversationID]

	return window, exists
}

// touchLocked refreshes recency and moves the window to the MRU end.
func (m *Module) touchLocked(conversationID string, window *conversationWindow) {
	window.touch(m.clock())
	if element, exists := m.index[conversationID]; exists {
		m.lru.MoveToBack(element)
	}
}

// evictIfNeededLocked collapses and removes LRU windows until the bound
// holds. The window named by protect (the one just created) is never evicted
// even when maxWindows is 1 and it sits at the front transiently.
func (m *Module) evictIfNeededLocked(protect string) []evictionNotice {
	var notices []evictionNotice
	for len(m.windows) > m.maxWindows {
		element := m.lru.Front()
		if element == nil {
			break
		}
		victimID, _ := element.Value.(string)
		if victimID == protect {
			element = element.Next()
			if element == nil {
				break
			}
			victimID, _ = element.Value.(string)
		}

		victim := m.windows[victimID]
		if victim != nil {
			victim.trimTo(m.minPreviewEvents)
		}
		m.removeWindowLocked(victimID)
		m.observeEviction()
		notices = append(notices, evictionNotice{
			conversationID: victimID,
			keepCount:      m.minPreviewEvents,
		})
	}

	return notices
}

func (m *Module) removeWindowLocked(conversationID string) {
	if element, exists := m.index[conversationID]; exists {
		m.lru.Remove(element)
		delete(m.index, conversationID)
	}
	delete(m.windows, conversationID)
}

func (m *Module) resetLocked() {
	m.windows = make(map[string]*conversationWindow)
	m.index = make(map[string]*list.Element)
	m.lru.Init()
	m.attachments = make(map[string]kataribe.AttachmentRef)
	m.updateGaugesLocked()
}

// indexAttachmentsLocked records content hashes carried by newly seen events.
// First sighting wins so references stay stable across re-sends.
func (m *Module) indexAttachmentsLocked(events []kataribe.DisplayEvent) {
	for i := range events {
		for _, attachment := range events[i].Attachments {
			if attachment.Hash == "" {
				continue
			}
			if _, known := m.attachments[attachment.Hash]; known {
				continue
			}
			m.attachments[attachment.Hash] = kataribe.AttachmentRef{
				AttachmentID:   attachment.ID,
				ConversationID: events[i].ConversationID,
				EventID:        events[i].ID,
			}
		}
	}
}

// cachedSnapshot returns the current window contents without creating a
// window or touching the backend, used by degraded pagination paths.
func (m *Module) cachedSnapshot(conversationID string) []kataribe.DisplayEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, exists := m.lookupLocked(conversationID)
	if !exists {
		return []kataribe.DisplayEvent{}
	}

	return window.snapshot()
}

// lockConversationLoad serializes pagination per conversation so a second
// LoadMoreEvents cannot race ahead of the first for the same conversation.
func (m *Module) lockConversationLoad(conversationID string) func() {
	m.loadMu.Lock()
	loadLock, exists := m.loads[conversationID]
	if !exists {
		loadLock = &sync.Mutex{}
		m.loads[conversationID] = loadLock
	}
	m.loadMu.Unlock()

	loadLock.Lock()

	return loadLock.Unlock
}

// dispatchEvictionNotices fires best-effort backend trim notifications.
// Failures are ignored: local eviction must never block on the store.
func (m *Module) dispatchEvictionNotices(notices []evictionNotice) {
	for _, notice := range notices {
		m.notifyWG.Add(1)
		go func(notice evictionNotice) {
			defer m.notifyWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), evictionNotifyTimeout)
			defer cancel()
			if err := m.backend.NotifyEvicted(ctx, notice.conversationID, notice.keepCount); err != nil {
				m.logger.Debug(
					"eviction notify failed",
					"conversation_id", notice.conversationID,
					"keep_count", notice.keepCount,
					"error", err,
				)
			}
		}(notice)
	}
}

func (m *Module) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	cached := 0
	for _, window := range m.windows {
		cached += len(window.events)
	}
	m.metrics.Windows.Set(float64(len(m.windows)))
	m.metrics.CachedEvents.Set(float64(cached))
}

func (m *Module) observeWindowHit() {
	if m.metrics != nil {
		m.metrics.WindowHits.Inc()
	}
}

func (m *Module) observeWindowMiss() {
	if m.metrics != nil {
		m.metrics.WindowMisses.Inc()
	}
}

func (m *Module) observeEviction() {
	if m.metrics != nil {
		m.metrics.WindowEvictions.Inc()
	}
}

func (m *Module) observeInsert() {
	if m.metrics != nil {
		m.metrics.EventsInserted.Inc()
	}
}

func (m *Module) observeDuplicate() {
	if m.metrics != nil {
		m.metrics.DuplicatesSuppressed.Inc()
	}
}

func (m *Module) observeBackendPage() {
	if m.metrics != nil {
		m.metrics.BackendPages.Inc()
	}
}

func (m *Module) observeBackendFailure() {
	if m.metrics != nil {
		m.metrics.BackendFailures.Inc()
	}
}
