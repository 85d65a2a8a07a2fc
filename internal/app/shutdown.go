package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownHandler coordinates an orderly exit for the command line tools.
// The first SIGINT or SIGTERM cancels the run context so no new partition
// tasks start, a second signal aborts the process, and the registered
// cleanups run once on the way out regardless of how the run ended.
type ShutdownHandler struct {
	cancel  context.CancelFunc
	sigCh   chan os.Signal
	onFirst func(os.Signal)

	mu      sync.Mutex
	closers []closerEntry
	once    sync.Once
}

type closerEntry struct {
	name string
	fn   func() error
}

// NewShutdownHandler creates a handler. onSignal, when non-nil, runs as
// the first signal arrives, before the run context is canceled.
func NewShutdownHandler(onSignal func(os.Signal)) *ShutdownHandler {
	return &ShutdownHandler{onFirst: onSignal}
}

// Context derives a context that the first SIGINT or SIGTERM cancels.
// Call once, before the run starts.
func (h *ShutdownHandler) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.sigCh = make(chan os.Signal, 2)
	signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM)
	go h.watch()
	return ctx
}

func (h *ShutdownHandler) watch() {
	sig, ok := <-h.sigCh
	if !ok {
		return
	}
	if h.onFirst != nil {
		h.onFirst(sig)
	}
	h.cancel()

	// A second signal means the user is done waiting.
	if _, ok := <-h.sigCh; ok {
		os.Exit(130)
	}
}

// RegisterCloser adds a cleanup to run during Shutdown. Cleanups run in
// reverse registration order.
func (h *ShutdownHandler) RegisterCloser(name string, fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, closerEntry{name: name, fn: fn})
}

// Shutdown stops signal handling and runs the registered cleanups in
// reverse order, returning the first error. Safe to call twice.
func (h *ShutdownHandler) Shutdown() error {
	var err error
	h.once.Do(func() {
		if h.sigCh != nil {
			signal.Stop(h.sigCh)
			close(h.sigCh)
		}
		if h.cancel != nil {
			h.cancel()
		}

		h.mu.Lock()
		closers := h.closers
		h.closers = nil
		h.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].fn(); cerr != nil && err == nil {
				err = fmt.Errorf("close %s: %w", closers[i].name, cerr)
			}
		}
	})
	return err
}
