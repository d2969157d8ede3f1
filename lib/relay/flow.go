package relay

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// FlowController implements the credit-based windowing discipline of
// spec.md §4.3: an outbound accumulator bounded by the peer's advertised
// window, and an inbound accumulator that triggers WINDOW_UPDATE emission
// once it crosses the threshold. One FlowController is shared by every
// goroutine attempting to send DATA/TERM_OUTPUT on a session — the
// REDESIGN FLAG in SPEC_FULL.md §9 replaces the source's single-threaded
// cooperative waiter with a sync.Cond that wakes every blocked sender,
// each of which re-checks the invariant before committing, exactly as
// the "flow-control waiter" design note in spec.md §9 prescribes.
type FlowController struct {
	mu   sync.Mutex
	cond *sync.Cond

	remoteWindow  int
	bytesInFlight int

	bytesReceivedUnacked int

	closed bool

	metrics *Metrics
}

// NewFlowController builds a controller for a newly handshaken session.
func NewFlowController(remoteWindow int) *FlowController {
	fc := &FlowController{remoteWindow: remoteWindow}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

// SetMetrics attaches the collectors Reserve/OnWindowUpdate report through.
// Left nil, those reports are simply skipped, which is what tests that
// don't care about metrics get by default.
func (f *FlowController) SetMetrics(m *Metrics) {
	f.mu.Lock()
	f.metrics = m
	f.mu.Unlock()
}

// Reserve blocks until at least one byte of the remote window is free, then
// books min(want, available) bytes as in flight and returns how many bytes
// the caller may actually send. A want larger than the whole remote window
// can never be granted in one call — callers must loop, sending the
// returned amount and requesting the remainder again, which is what lets a
// peer that advertises a window smaller than a single chunk (spec.md §8
// scenario 5) make progress instead of blocking on a reservation that can
// never fit. It returns early with an error if ctx is cancelled or the
// controller is closed (session shutdown).
func (f *FlowController) Reserve(ctx context.Context, want int) (int, error) {
	if want <= 0 {
		return 0, nil
	}

	done := make(chan struct{})
	defer close(done)
	// wake this waiter if the context is cancelled while it's parked on
	// the condition variable.
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	stalled := false
	for {
		if f.closed {
			return 0, trace.ConnectionProblem(nil, "flow controller closed")
		}
		if err := ctx.Err(); err != nil {
			return 0, trace.Wrap(err)
		}
		if available := f.remoteWindow - f.bytesInFlight; available > 0 {
			got := want
			if got > available {
				got = available
			}
			f.bytesInFlight += got
			f.metrics.setBytesInFlight(f.bytesInFlight)
			return got, nil
		}
		if !stalled {
			f.metrics.incWindowStall()
			stalled = true
		}
		f.cond.Wait()
	}
}

// OnWindowUpdate applies a WINDOW_UPDATE increment and wakes any blocked
// senders so they can re-check their reservation.
func (f *FlowController) OnWindowUpdate(k int) {
	f.mu.Lock()
	f.bytesInFlight -= k
	if f.bytesInFlight < 0 {
		f.bytesInFlight = 0
	}
	f.metrics.setBytesInFlight(f.bytesInFlight)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// BytesInFlight reports the current outbound accumulator, for tests and
// metrics.
func (f *FlowController) BytesInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesInFlight
}

// OnDataConsumed records n freshly-consumed inbound DATA/TERM_INPUT bytes.
// It returns the WINDOW_UPDATE increment to send and true once the
// threshold is crossed, resetting the accumulator; otherwise it returns
// (0, false).
func (f *FlowController) OnDataConsumed(n, threshold int) (increment int, shouldSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytesReceivedUnacked += n
	if f.bytesReceivedUnacked >= threshold {
		increment = f.bytesReceivedUnacked
		f.bytesReceivedUnacked = 0
		return increment, true
	}
	return 0, false
}

// Close releases every blocked Reserve call with an error. Called on
// session shutdown so in-flight tool calls don't deadlock forever.
func (f *FlowController) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}
