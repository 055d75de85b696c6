package router

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/models"
)

type recordingHandler struct {
	mu      sync.Mutex
	batches map[uint32][][]*models.Tick
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{batches: make(map[uint32][][]*models.Tick)}
}

func (h *recordingHandler) HandleBatch(securityID uint32, ticks []*models.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	copied := append([]*models.Tick(nil), ticks...)
	h.batches[securityID] = append(h.batches[securityID], copied)
}

func (h *recordingHandler) flat(securityID uint32) []*models.Tick {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*models.Tick
	for _, b := range h.batches[securityID] {
		out = append(out, b...)
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func tick(securityID uint32, ltt uint32) *models.Tick {
	return &models.Tick{Type: models.PacketTicker, SecurityID: securityID, LTT: ltt}
}

func TestRouterPreservesPerInstrumentOrder(t *testing.T) {
	handler := newRecordingHandler()
	r := New(Config{BatchWindow: 10 * time.Millisecond}, handler, quietLogger())

	const n = 500
	var wg sync.WaitGroup
	for _, id := range []uint32{100, 200} {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				r.Dispatch(tick(id, uint32(i)))
			}
		}(id)
	}
	wg.Wait()
	r.Stop()

	for _, id := range []uint32{100, 200} {
		got := handler.flat(id)
		if len(got) != n {
			t.Fatalf("security %d: got %d ticks, want %d", id, len(got), n)
		}
		for i, tk := range got {
			if tk.LTT != uint32(i) {
				t.Fatalf("security %d: tick %d out of order (LTT=%d)", id, i, tk.LTT)
			}
		}
	}
}

func TestRouterCoalescesIntoBatches(t *testing.T) {
	handler := newRecordingHandler()
	r := New(Config{BatchWindow: 30 * time.Millisecond}, handler, quietLogger())

	for i := 0; i < 10; i++ {
		r.Dispatch(tick(7, uint32(i)))
	}

	time.Sleep(60 * time.Millisecond)

	handler.mu.Lock()
	batches := len(handler.batches[7])
	handler.mu.Unlock()
	if batches == 0 {
		t.Fatal("window elapsed but no batch was flushed")
	}
	if batches == 10 {
		t.Fatal("every tick flushed alone, no coalescing happened")
	}

	r.Stop()
	if got := handler.flat(7); len(got) != 10 {
		t.Fatalf("got %d ticks total, want 10", len(got))
	}
}

func TestRouterMaxBatchForcesFlush(t *testing.T) {
	handler := newRecordingHandler()
	r := New(Config{BatchWindow: time.Second, MaxBatch: 4}, handler, quietLogger())

	for i := 0; i < 8; i++ {
		r.Dispatch(tick(9, uint32(i)))
	}

	time.Sleep(50 * time.Millisecond)

	handler.mu.Lock()
	batches := handler.batches[9]
	handler.mu.Unlock()
	if len(batches) < 2 {
		t.Fatalf("got %d batches, want at least 2 forced flushes", len(batches))
	}
	for _, b := range batches {
		if len(b) > 4 {
			t.Fatalf("batch of %d exceeds max 4", len(b))
		}
	}
	r.Stop()
}

func TestRouterStopDrainsQueuedTicks(t *testing.T) {
	handler := newRecordingHandler()
	r := New(Config{BatchWindow: time.Minute}, handler, quietLogger())

	for i := 0; i < 5; i++ {
		r.Dispatch(tick(3, uint32(i)))
	}
	r.Stop()

	if got := handler.flat(3); len(got) != 5 {
		t.Fatalf("Stop flushed %d ticks, want 5", len(got))
	}
	// Dispatch after Stop is dropped, not a panic.
	r.Dispatch(tick(3, 99))
}
