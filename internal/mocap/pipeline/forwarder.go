package pipeline

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/mocap/internal/mocap"
)

// PositionSender delivers a tracked position to one device.
type PositionSender interface {
	SendPosition(ctx context.Context, device int, p r3.Vector) error
	ArmedDevices() []int
}

// Forwarder is a tracker sink that relays each armed device's tracked
// position to it. Object slot i drives device i. Consume only stores the
// latest record; a worker goroutine does the writes so a slow link drops
// stale poses rather than stalling the tracker.
type Forwarder struct {
	sender PositionSender
	latest chan mocap.PoseRecord

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewForwarder returns an idle forwarder.
func NewForwarder(sender PositionSender) *Forwarder {
	return &Forwarder{sender: sender, latest: make(chan mocap.PoseRecord, 1)}
}

// Consume implements l6tracking.Sink.
func (f *Forwarder) Consume(rec mocap.PoseRecord) {
	for {
		select {
		case f.latest <- rec:
			return
		default:
		}
		select {
		case <-f.latest:
		default:
		}
	}
}

// Start launches the worker. Starting a running forwarder is a no-op.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx, f.done)
}

// Stop halts the worker and waits for it.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *Forwarder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-f.latest:
			f.Forward(ctx, rec)
		}
	}
}

// Forward writes the positions in rec for every armed device that has a
// valid object in its slot. Write failures are logged and skipped.
func (f *Forwarder) Forward(ctx context.Context, rec mocap.PoseRecord) int {
	armed := f.sender.ArmedDevices()
	if len(armed) == 0 {
		return 0
	}
	bySlot := make(map[int]mocap.ObjectPose, len(rec.Objects))
	for _, o := range rec.Objects {
		bySlot[o.Slot] = o
	}
	sent := 0
	for _, d := range armed {
		o, ok := bySlot[d]
		if !ok || !o.Valid {
			continue
		}
		if err := f.sender.SendPosition(ctx, d, o.Position); err != nil {
			opsf("forward pose seq %d: %v", rec.Seq, err)
			continue
		}
		sent++
	}
	tracef("forwarded seq %d to %d devices", rec.Seq, sent)
	return sent
}
