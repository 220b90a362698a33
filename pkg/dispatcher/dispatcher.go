// Package dispatcher delivers completion signals to user registered
// callbacks. The protocol handler publishes one signal per callback
// counter increment; a single worker goroutine invokes every callback
// exactly once per signal, in publish order.
package dispatcher

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/api"
)

type Callback func(api.CompletionSignal)

type Dispatcher struct {
	signals chan api.CompletionSignal

	mu        sync.RWMutex
	callbacks []Callback

	done chan struct{}
	wg   sync.WaitGroup
}

func New(buffer int) *Dispatcher {
	d := &Dispatcher{
		signals: make(chan api.CompletionSignal, buffer),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Register adds a callback. Callbacks registered after signals were
// already delivered only see subsequent signals.
func (d *Dispatcher) Register(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

// Publish hands a signal to the worker. Blocks when the buffer is
// full rather than dropping: every increment must reach the callbacks.
func (d *Dispatcher) Publish(sig api.CompletionSignal) {
	select {
	case <-d.done:
		log.Warn().Uint64("seq", sig.Seq).Msg("Dispatcher closed, completion signal dropped")
	case d.signals <- sig:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case sig := <-d.signals:
			d.deliver(sig)
		case <-d.done:
			// Drain what was already published, then stop.
			for {
				select {
				case sig := <-d.signals:
					d.deliver(sig)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(sig api.CompletionSignal) {
	d.mu.RLock()
	cbs := make([]Callback, len(d.callbacks))
	copy(cbs, d.callbacks)
	d.mu.RUnlock()
	for _, cb := range cbs {
		cb(sig)
	}
}

// Close stops the worker after draining already published signals.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}
