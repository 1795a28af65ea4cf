package view

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FinalizedView pairs a finalized view with the final metalog position of
// every phylog, as published by the configuration store.
type FinalizedView struct {
	View                  *View
	FinalMetalogPositions map[uint32]uint32
}

// LifecycleListener is implemented by every role that reacts to view
// transitions. Engine, storage, index, and aggregator components register
// one listener each; the watcher routes the events.
type LifecycleListener interface {
	OnViewCreated(v *View)
	OnViewFrozen(v *View)
	OnViewFinalized(fv *FinalizedView)
}

// Watcher tracks installed views and dispatches lifecycle events to the
// registered listeners. Views are retained in a versioned map; old views
// are retired only when released explicitly.
type Watcher struct {
	mu        sync.Mutex
	views     map[uint16]*View
	current   *View
	listeners []LifecycleListener
	logger    *zap.Logger
}

// NewWatcher creates a watcher.
func NewWatcher(logger *zap.Logger) *Watcher {
	return &Watcher{
		views:  make(map[uint16]*View),
		logger: logger,
	}
}

// AddListener registers a lifecycle listener. Must be called before the
// first view is installed.
func (w *Watcher) AddListener(l LifecycleListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// CurrentView returns the most recently installed view, or nil.
func (w *Watcher) CurrentView() *View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// GetView returns an installed view by id, or nil.
func (w *Watcher) GetView(id uint16) *View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.views[id]
}

// InstallView records a new view and notifies listeners. Installing a view
// with an id at or below the current one is ignored.
func (w *Watcher) InstallView(v *View) {
	w.mu.Lock()
	if w.current != nil && v.ID() <= w.current.ID() {
		w.mu.Unlock()
		w.logger.Warn("Ignoring stale view", zap.Uint16("view_id", v.ID()))
		return
	}
	w.views[v.ID()] = v
	w.current = v
	listeners := append([]LifecycleListener(nil), w.listeners...)
	w.mu.Unlock()

	w.logger.Info("View installed", zap.Uint16("view_id", v.ID()))
	for _, l := range listeners {
		l.OnViewCreated(v)
	}
}

// FreezeView marks a view frozen: no new local appends are admitted on it.
func (w *Watcher) FreezeView(id uint16) {
	w.mu.Lock()
	v := w.views[id]
	listeners := append([]LifecycleListener(nil), w.listeners...)
	w.mu.Unlock()
	if v == nil {
		w.logger.Warn("Freeze for unknown view", zap.Uint16("view_id", id))
		return
	}
	w.logger.Info("View frozen", zap.Uint16("view_id", id))
	for _, l := range listeners {
		l.OnViewFrozen(v)
	}
}

// FinalizeView completes a view: all pending operations tied to it are
// resolved with failure or retry signals by the listeners.
func (w *Watcher) FinalizeView(id uint16, finalPositions map[uint32]uint32) {
	w.mu.Lock()
	v := w.views[id]
	listeners := append([]LifecycleListener(nil), w.listeners...)
	w.mu.Unlock()
	if v == nil {
		w.logger.Warn("Finalize for unknown view", zap.Uint16("view_id", id))
		return
	}
	fv := &FinalizedView{View: v, FinalMetalogPositions: finalPositions}
	w.logger.Info("View finalized", zap.Uint16("view_id", id))
	for _, l := range listeners {
		l.OnViewFinalized(fv)
	}
}

// ReleaseViewsBelow retires views older than id once nothing references
// them anymore.
func (w *Watcher) ReleaseViewsBelow(id uint16) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var stale []uint16
	for viewID := range w.views {
		if viewID < id {
			stale = append(stale, viewID)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, viewID := range stale {
		delete(w.views, viewID)
	}
}
