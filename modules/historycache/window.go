package historycache

import (
	"sort"
	"time"

	"kataribe/pkg/kataribe"
)

// conversationWindow is the per-conversation state container: the ordered
// event sequence, its id membership set, and pagination bookkeeping.
//
// Methods are not safe for concurrent use; the owning module serializes
// access. The id set mirrors the event sequence exactly, and events stay
// sorted non-decreasing by At with stable tie order.
type conversationWindow struct {
	conversationID string
	events         []kataribe.DisplayEvent
	eventIDs       map[string]struct{}
	lastAccess     time.Time
	totalInDB      int
	loadedOffset   int
	isFullyLoaded  bool
}

func newConversationWindow(conversationID string, now time.Time) *conversationWindow {
	return &conversationWindow{
		conversationID: conversationID,
		eventIDs:       make(map[string]struct{}),
		lastAccess:     now,
	}
}

// touch refreshes the recency timestamp used for LRU ordering.
func (w *conversationWindow) touch(now time.Time) {
	w.lastAccess = now
}

// hasMoreEvents reports whether another pagination call can make progress.
func (w *conversationWindow) hasMoreEvents() bool {
	return !w.isFullyLoaded && w.loadedOffset < w.totalInDB
}

// addEvent merges one real-time event, returning false for an already-known id.
//
// Live traffic is almost always monotonically increasing in At, so the append
// fast path dominates; the binary-search path absorbs late delivery without
// corrupting sort order. An insert that pushes the window past maxEvents
// evicts the single oldest event and walks loadedOffset back so pagination
// bookkeeping stays consistent.
func (w *conversationWindow) addEvent(event kataribe.DisplayEvent, maxEvents int) bool {
	if _, exists := w.eventIDs[event.ID]; exists {
		return false
	}

	if len(w.events) == 0 || event.At >= w.events[len(w.events)-1].At {
		w.events = append(w.events, event)
	} else {
		idx := insertIndex(w.events, event.At)
		w.events = append(w.events, kataribe.DisplayEvent{})
		copy(w.events[idx+1:], w.events[idx:])
		w.events[idx] = event
	}
	w.eventIDs[event.ID] = struct{}{}
	w.totalInDB++

	if maxEvents > 0 && len(w.events) > maxEvents {
		oldest := w.events[0]
		w.events = w.events[1:]
		delete(w.eventIDs, oldest.ID)
		if w.loadedOffset > 0 {
			w.loadedOffset--
		}
		// The dropped oldest event now only exists in the store, so the
		// window can no longer claim to hold the full history.
		w.isFullyLoaded = false
	}

	return true
}

// insertIndex returns the first index whose At is strictly greater than at,
// so equal sort keys keep their relative insertion order.
func insertIndex(events []kataribe.DisplayEvent, at int64) int {
	return sort.Search(len(events), func(i int) bool {
		return events[i].At > at
	})
}

// addBatch merges an already-sorted page into the window, prepended for an
// older page or appended for a newer one. Events whose ids are already cached
// are skipped. The size cap is deliberately not enforced here so that
// scroll-triggered loading is never blocked by eviction policy.
func (w *conversationWindow) addBatch(batch []kataribe.DisplayEvent, prepend bool) int {
	fresh := make([]kataribe.DisplayEvent, 0, len(batch))
	for _, event := range batch {
		if _, exists := w.eventIDs[event.ID]; exists {
			continue
		}
		fresh = append(fresh, event)
		w.eventIDs[event.ID] = struct{}{}
	}
	if len(fresh) == 0 {
		return 0
	}

	if prepend {
		w.events = append(fresh, w.events...)
	} else {
		w.events = append(w.events, fresh...)
	}

	return len(fresh)
}

// mergeAuthoritative replaces the window contents with a backend page,
// preserving cached events the backend does not know about yet (very recent
// real-time arrivals), and resets pagination cursors from the fetched page.
func (w *conversationWindow) mergeAuthoritative(fetched []kataribe.DisplayEvent) {
	fetchedIDs := make(map[string]struct{}, len(fetched))
	for _, event := range fetched {
		fetchedIDs[event.ID] = struct{}{}
	}

	merged := make([]kataribe.DisplayEvent, 0, len(fetched)+len(w.events))
	merged = append(merged, fetched...)
	for _, event := range w.events {
		if _, known := fetchedIDs[event.ID]; known {
			continue
		}
		merged = append(merged, event)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].At < merged[j].At
	})

	w.events = merged
	w.rebuildIDSet()
	w.loadedOffset = len(fetched)
	w.isFullyLoaded = w.loadedOffset >= w.totalInDB
}

// trimTo retains only the keep most recent events. Trimming always
// invalidates completeness: a trimmed window must re-paginate to prove it
// has reached the oldest event again.
func (w *conversationWindow) trimTo(keep int) {
	if keep < 0 {
		keep = 0
	}
	if discarded := len(w.events) - keep; discarded > 0 {
		w.events = append([]kataribe.DisplayEvent(nil), w.events[discarded:]...)
		w.loadedOffset -= discarded
		if w.loadedOffset < 0 {
			w.loadedOffset = 0
		}
		w.rebuildIDSet()
	}
	w.isFullyLoaded = false
}

func (w *conversationWindow) rebuildIDSet() {
	w.eventIDs = make(map[string]struct{}, len(w.events))
	for _, event := range w.events {
		w.eventIDs[event.ID] = struct{}{}
	}
}

// snapshot returns an isolated copy of the cached sequence for callers.
func (w *conversationWindow) snapshot() []kataribe.DisplayEvent {
	cloned := make([]kataribe.DisplayEvent, 0, len(w.events))
	for i := range w.events {
		cloned = append(cloned, w.events[i].Clone())
	}

	return cloned
}
