package mapsvc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hotasfuse/hotasfuse/internal/evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fakeDevice implements sourceDevice over a real pipe so the epoll loop sees
// genuine readiness transitions.
type fakeDevice struct {
	mu           sync.Mutex
	r, w         int
	queue        []evdev.Event
	disconnected bool
	failCount    int
	closed       bool
	grabs        int
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	require.NoError(t, unix.SetNonblock(p[1], true))
	f := &fakeDevice{r: p[0], w: p[1]}
	t.Cleanup(func() { f.Close() })
	return f
}

func (f *fakeDevice) push(events ...evdev.Event) {
	f.mu.Lock()
	f.queue = append(f.queue, events...)
	f.mu.Unlock()
	unix.Write(f.w, []byte{0})
}

func (f *fakeDevice) disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	unix.Write(f.w, []byte{0})
}

// failReads makes the next n reads return a generic (non-disconnect) error
// while the descriptor stays readable.
func (f *fakeDevice) failReads(n int) {
	f.mu.Lock()
	f.failCount = n
	f.mu.Unlock()
	unix.Write(f.w, []byte{0})
}

func (f *fakeDevice) Next() (evdev.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return evdev.Event{}, evdev.ErrDisconnected
	}
	if f.failCount > 0 {
		f.failCount--
		return evdev.Event{}, fmt.Errorf("transient read error")
	}
	if len(f.queue) > 0 {
		ev := f.queue[0]
		f.queue = f.queue[1:]
		return ev, nil
	}
	var buf [16]byte
	for {
		n, err := unix.Read(f.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	return evdev.Event{}, evdev.ErrWouldBlock
}

func (f *fakeDevice) Fd() int        { return f.r }
func (f *fakeDevice) Path() string   { return fmt.Sprintf("fake-%d", f.r) }
func (f *fakeDevice) Name() string   { return "fake device" }
func (f *fakeDevice) Grab() error    { f.grabs++; return nil }
func (f *fakeDevice) Ungrab() error  { f.grabs--; return nil }
func (f *fakeDevice) AbsInfoFor(code uint16) (evdev.AbsInfo, error) {
	return evdev.AbsInfo{}, nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	unix.Close(f.r)
	unix.Close(f.w)
	return nil
}

// recordedWrite is one observed write on the fake pad; syncs record as
// {sync: true}.
type recordedWrite struct {
	typ   uint16
	code  uint16
	value int32
	sync  bool
}

type fakePad struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (p *fakePad) WriteEvent(typ, code uint16, value int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, recordedWrite{typ: typ, code: code, value: value})
	return nil
}

func (p *fakePad) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, recordedWrite{sync: true})
	return nil
}

func (p *fakePad) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePad) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePad) snapshot() []recordedWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedWrite, len(p.writes))
	copy(out, p.writes)
	return out
}

// waitFor polls until cond passes or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type loopHarness struct {
	svc     *Service
	pad     *fakePad
	devices map[string]*fakeDevice
	mu      sync.Mutex
	done    chan struct{}
	runErr  error
	cancel  context.CancelFunc
}

func (h *loopHarness) setDevice(path string, dev *fakeDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[path] = dev
}

func startLoop(t *testing.T, cfg Config, devices map[string]*fakeDevice) *loopHarness {
	t.Helper()
	pad := &fakePad{}
	h := &loopHarness{pad: pad, devices: devices, done: make(chan struct{})}

	open := func(path string) (sourceDevice, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		dev, ok := h.devices[path]
		if !ok || dev == nil {
			return nil, fmt.Errorf("no such device: %s", path)
		}
		return dev, nil
	}
	h.svc = New(zap.NewNop(), nil, "", nil,
		WithOpenDevice(open),
		WithOutputFactory(func(name string) (virtualOutput, error) { return pad, nil }),
		WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runErr = h.svc.run(ctx, cfg)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("loop did not stop")
		}
	})

	select {
	case <-h.svc.Ready():
	case <-h.done:
		t.Fatalf("loop exited during startup: %v", h.runErr)
	case <-time.After(3 * time.Second):
		t.Fatal("loop never became ready")
	}
	return h
}

func twoSourceConfig() Config {
	return Config{
		UinputName: "test pad",
		Inputs: []InputConfig{
			{Role: "stick", ByID: "stick-dev"},
			{Role: "rudder", ByID: "rudder-dev", Optional: true},
		},
		BindingsAbs: []AbsBindingConfig{
			{Role: "stick", Src: evdev.ABS_X, Dst: evdev.ABS_X},
			{Role: "rudder", Src: evdev.ABS_RZ, Dst: evdev.ABS_RX},
		},
		BindingsKeys: []KeyBindingConfig{
			{Role: "stick", Src: evdev.BTN_TRIGGER, Dst: evdev.BTN_SOUTH},
		},
	}
}

func TestLoopTranslatesEvents(t *testing.T) {
	stick := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": nil,
	})

	stick.push(
		evdev.Event{Type: evdev.EV_KEY, Code: evdev.BTN_TRIGGER, Value: 1},
		evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)

	waitFor(t, func() bool {
		return len(h.pad.snapshot()) >= 2
	}, "button press to reach the pad")

	writes := h.pad.snapshot()
	assert.Equal(t, recordedWrite{typ: evdev.EV_KEY, code: evdev.BTN_SOUTH, value: 1}, writes[0])
	assert.Equal(t, recordedWrite{sync: true}, writes[1])
}

func TestLoopSyncPerGroup(t *testing.T) {
	stick := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": nil,
	})

	// A source sync with nothing emitted must not produce an empty report.
	stick.push(evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT})
	stick.push(
		evdev.Event{Type: evdev.EV_ABS, Code: evdev.ABS_X, Value: 150},
		evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)

	waitFor(t, func() bool { return len(h.pad.snapshot()) >= 2 }, "axis write")

	writes := h.pad.snapshot()
	require.GreaterOrEqual(t, len(writes), 2)
	assert.False(t, writes[0].sync, "no sync precedes the first emission")
	for i, w := range writes {
		if w.sync && i+1 < len(writes) {
			assert.False(t, writes[i+1].sync, "no two consecutive syncs")
		}
	}
}

func TestLoopHotUnplugAndReplug(t *testing.T) {
	stick := newFakeDevice(t)
	rudder := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": rudder,
	})

	statusOnline := func(role Role) func() bool {
		return func() bool {
			for _, st := range h.svc.Status() {
				if st.Role == role {
					return st.Online
				}
			}
			return false
		}
	}
	waitFor(t, statusOnline(RoleRudder), "rudder online at start")

	rudder.disconnect()
	waitFor(t, func() bool { return !statusOnline(RoleRudder)() }, "rudder offline after disconnect")

	// Replug: a new device appears under the same by-id path.
	replacement := newFakeDevice(t)
	h.setDevice("rudder-dev", replacement)
	waitFor(t, statusOnline(RoleRudder), "rudder back online")

	replacement.push(
		evdev.Event{Type: evdev.EV_ABS, Code: evdev.ABS_RZ, Value: 77},
		evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)
	waitFor(t, func() bool {
		for _, w := range h.pad.snapshot() {
			if w.typ == evdev.EV_ABS && w.code == evdev.ABS_RX && w.value == 77 {
				return true
			}
		}
		return false
	}, "replugged rudder to contribute events")
}

func TestLoopOfflineAfterConsecutiveReadFailures(t *testing.T) {
	stick := newFakeDevice(t)
	rudder := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": rudder,
	})

	statusOnline := func() bool {
		for _, st := range h.svc.Status() {
			if st.Role == RoleRudder {
				return st.Online
			}
		}
		return false
	}
	waitFor(t, statusOnline, "rudder online at start")

	// Generic read errors, short of the threshold, keep the source online.
	rudder.failReads(readFailureLimit - 1)
	rudder.push(
		evdev.Event{Type: evdev.EV_ABS, Code: evdev.ABS_RZ, Value: 33},
		evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)
	waitFor(t, func() bool {
		for _, w := range h.pad.snapshot() {
			if w.typ == evdev.EV_ABS && w.code == evdev.ABS_RX && w.value == 33 {
				return true
			}
		}
		return false
	}, "rudder to keep contributing below the failure threshold")
	assert.True(t, statusOnline())

	// Hitting the threshold transitions the source offline.
	rudder.failReads(readFailureLimit)
	waitFor(t, func() bool { return !statusOnline() }, "rudder offline after repeated read failures")

	// The normal reconnect loop brings a fresh device back.
	replacement := newFakeDevice(t)
	h.setDevice("rudder-dev", replacement)
	waitFor(t, statusOnline, "rudder back online after read-failure offline")
}

func TestLoopOptionalSourceOfflineFromBirth(t *testing.T) {
	stick := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": nil,
	})

	// The missing optional source is reported offline, and plugging it in
	// later brings it up through the normal reconnect loop.
	var rudderStatus SourceStatus
	for _, st := range h.svc.Status() {
		if st.Role == RoleRudder {
			rudderStatus = st
		}
	}
	assert.False(t, rudderStatus.Online)

	rudder := newFakeDevice(t)
	h.setDevice("rudder-dev", rudder)
	waitFor(t, func() bool {
		for _, st := range h.svc.Status() {
			if st.Role == RoleRudder {
				return st.Online
			}
		}
		return false
	}, "late rudder online")

	// The reconnection itself must not emit anything.
	for _, w := range h.pad.snapshot() {
		assert.False(t, w.sync || w.typ != 0, "no output from reconnection alone")
	}
}

func TestLoopRequiredSourceMissingFailsStartup(t *testing.T) {
	cfg := twoSourceConfig()
	svc := New(zap.NewNop(), nil, "", nil,
		WithOpenDevice(func(path string) (sourceDevice, error) {
			return nil, fmt.Errorf("no such device")
		}),
		WithOutputFactory(func(name string) (virtualOutput, error) { return &fakePad{}, nil }),
	)
	err := svc.run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestLoopReload(t *testing.T) {
	stick := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": nil,
	})

	stick.push(
		evdev.Event{Type: evdev.EV_KEY, Code: evdev.BTN_TRIGGER, Value: 1},
		evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)
	waitFor(t, func() bool { return len(h.pad.snapshot()) >= 2 }, "press before reload")

	// Rebind the trigger to a different pad button and reload.
	cfg := twoSourceConfig()
	cfg.BindingsKeys[0].Dst = evdev.BTN_EAST
	h.svc.pending.Store(&cfg)

	waitFor(t, func() bool {
		stick.push(
			evdev.Event{Type: evdev.EV_KEY, Code: evdev.BTN_TRIGGER, Value: 1},
			evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
		)
		for _, w := range h.pad.snapshot() {
			if w.typ == evdev.EV_KEY && w.code == evdev.BTN_EAST && w.value == 1 {
				return true
			}
		}
		return false
	}, "rebound button after reload")
}

func TestLoopStopsOnCancel(t *testing.T) {
	stick := newFakeDevice(t)
	h := startLoop(t, twoSourceConfig(), map[string]*fakeDevice{
		"stick-dev":  stick,
		"rudder-dev": nil,
	})

	h.cancel()
	select {
	case <-h.done:
		assert.NoError(t, h.runErr)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit on cancellation")
	}
	assert.True(t, h.pad.isClosed(), "virtual pad destroyed at shutdown")
}
