package server

import (
	"sync"
	"time"

	"github.com/louisbranch/crowdstage/internal/choice"
)

// rotator enforces the dwell window on the displayed top choice. While the
// aggregating stage is active it tracks which label leads each collective
// snapshot; once the same label has led for a full dwell period the retire
// callback fires exactly once so the next label rotates in.
type rotator struct {
	dwell  time.Duration
	retire func(label string)

	mu         sync.Mutex
	active     bool
	displayed  string
	generation uint64
	timer      *time.Timer
}

func newRotator(dwell time.Duration, retire func(label string)) *rotator {
	return &rotator{dwell: dwell, retire: retire}
}

// observe feeds one collective snapshot into the dwell clock. A snapshot
// with the same leader leaves the running timer alone; a new leader (or the
// first one) restarts the window.
func (r *rotator) observe(state choice.CollectiveState) {
	top, ok := choice.Top(choice.Aggregate(state))

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	if !ok {
		r.clearLocked()
		return
	}
	if top.Label == r.displayed && r.timer != nil {
		return
	}
	r.displayed = top.Label
	r.armLocked()
}

// stageChanged activates the clock for the aggregating stage and disarms it
// for every other stage.
func (r *rotator) stageChanged(stage choice.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasActive := r.active
	r.active = stage.Aggregates()
	if wasActive && !r.active {
		r.clearLocked()
	}
}

func (r *rotator) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.clearLocked()
}

func (r *rotator) clearLocked() {
	r.generation++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.displayed = ""
}

func (r *rotator) armLocked() {
	r.generation++
	generation := r.generation
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.dwell, func() {
		r.fire(generation)
	})
}

// fire runs on the timer goroutine. The generation guard drops callbacks
// that raced with a re-arm, a stage change, or stop.
func (r *rotator) fire(generation uint64) {
	r.mu.Lock()
	if generation != r.generation || !r.active || r.displayed == "" {
		r.mu.Unlock()
		return
	}
	label := r.displayed
	r.displayed = ""
	r.timer = nil
	r.mu.Unlock()

	r.retire(label)
}
