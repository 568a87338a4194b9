package turn

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type stubTransport struct {
	mu          sync.Mutex
	commits     int
	responses   int
	triggers    []string
	commitErr   error
	responseErr error
}

func (t *stubTransport) CommitInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.commits++
	return nil
}

func (t *stubTransport) CreateResponse(trigger string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.responseErr != nil {
		return t.responseErr
	}
	t.responses++
	t.triggers = append(t.triggers, trigger)
	return nil
}

type stubAttenuator struct {
	mu       sync.Mutex
	speaking bool
	bargeIns int
}

func (a *stubAttenuator) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

func (a *stubAttenuator) BargeIn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bargeIns++
}

// manualTimers captures debounce callbacks so tests fire them explicitly.
type manualTimers struct {
	mu    sync.Mutex
	fns   []func()
	delay time.Duration
}

func (m *manualTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	m.fns = append(m.fns, fn)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fireLast() {
	m.mu.Lock()
	var fn func()
	if len(m.fns) > 0 {
		fn = m.fns[len(m.fns)-1]
	}
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *manualTimers) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func newTestCoordinator(transport *stubTransport, playback *stubAttenuator) (*Coordinator, *manualTimers) {
	c := NewCoordinator(Config{}, transport, playback)
	timers := &manualTimers{}
	c.afterFunc = timers.afterFunc
	return c, timers
}

func TestShortUtteranceIsIgnoredAndLedgerCleared(t *testing.T) {
	transport := &stubTransport{}
	c, timers := newTestCoordinator(transport, &stubAttenuator{})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(80)
	c.HandleServerSpeechStopped()

	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle", got)
	}
	if got := c.PendingMS(); got != 0 {
		t.Fatalf("PendingMS() = %v, want 0 after short stop", got)
	}
	if timers.armed() != 0 {
		t.Fatalf("debounce timers armed = %d, want 0", timers.armed())
	}
	if transport.commits != 0 {
		t.Fatalf("commits = %d, want 0", transport.commits)
	}
}

func TestDebouncedStopCommitsExactlyOnce(t *testing.T) {
	transport := &stubTransport{}
	c, timers := newTestCoordinator(transport, &stubAttenuator{})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(500)
	c.HandleServerSpeechStopped()

	if got := c.State(); got != StateDebouncingStop {
		t.Fatalf("State() = %v, want debouncing_stop", got)
	}
	if timers.delay != 350*time.Millisecond {
		t.Fatalf("debounce delay = %v, want 350ms", timers.delay)
	}
	if transport.commits != 0 {
		t.Fatalf("commits = %d before debounce fired, want 0", transport.commits)
	}

	timers.fireLast()

	if transport.commits != 1 {
		t.Fatalf("commits = %d, want 1", transport.commits)
	}
	if transport.responses != 1 {
		t.Fatalf("responses = %d, want 1", transport.responses)
	}
	if got := c.State(); got != StateAwaitingResponse {
		t.Fatalf("State() = %v, want awaiting_response", got)
	}
	if got := c.PendingMS(); got != 0 {
		t.Fatalf("PendingMS() = %v after commit, want 0", got)
	}

	// A stale expiry must not double-commit.
	timers.fireLast()
	if transport.commits != 1 {
		t.Fatalf("commits = %d after stale fire, want 1", transport.commits)
	}

	c.HandleResponseDone()
	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v after response done, want idle", got)
	}
}

func TestSpeechResumedDuringDebounceCancelsCommit(t *testing.T) {
	transport := &stubTransport{}
	c, timers := newTestCoordinator(transport, &stubAttenuator{})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(400)
	c.HandleServerSpeechStopped()
	c.HandleServerSpeechStarted()

	if got := c.State(); got != StateUserSpeaking {
		t.Fatalf("State() = %v, want user_speaking", got)
	}

	timers.fireLast()
	if transport.commits != 0 {
		t.Fatalf("commits = %d after cancelled debounce, want 0", transport.commits)
	}
	if got := c.PendingMS(); got != 400 {
		t.Fatalf("PendingMS() = %v, want ledger kept across resumed speech", got)
	}
}

func TestManualCommitBypassesDebounce(t *testing.T) {
	transport := &stubTransport{}
	c, _ := newTestCoordinator(transport, &stubAttenuator{})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(250)

	if err := c.CommitNow(); err != nil {
		t.Fatalf("CommitNow() error = %v", err)
	}
	if transport.commits != 1 {
		t.Fatalf("commits = %d, want 1", transport.commits)
	}
	if len(transport.triggers) != 1 || transport.triggers[0] != "manual" {
		t.Fatalf("triggers = %v, want [manual]", transport.triggers)
	}
}

func TestCommitRejectedWithTooLittleAudio(t *testing.T) {
	transport := &stubTransport{}
	c, _ := newTestCoordinator(transport, &stubAttenuator{})

	c.AddPendingAudio(40)
	err := c.CommitNow()
	if !errors.Is(err, ErrTooLittleAudio) {
		t.Fatalf("CommitNow() error = %v, want ErrTooLittleAudio", err)
	}
	if transport.commits != 0 {
		t.Fatalf("commits = %d, want 0 on local rejection", transport.commits)
	}
	// The ledger resets on every attempt, rejected or not.
	if got := c.PendingMS(); got != 0 {
		t.Fatalf("PendingMS() = %v after rejected commit, want 0", got)
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle", got)
	}
}

func TestSpeechStartedDuringPlaybackBargesIn(t *testing.T) {
	playback := &stubAttenuator{speaking: true}
	c, _ := newTestCoordinator(&stubTransport{}, playback)

	c.HandleServerSpeechStarted()

	playback.mu.Lock()
	bargeIns := playback.bargeIns
	playback.mu.Unlock()
	if bargeIns != 1 {
		t.Fatalf("barge-ins = %d, want 1", bargeIns)
	}
	if got := c.State(); got != StateUserSpeaking {
		t.Fatalf("State() = %v, want user_speaking", got)
	}
}

func TestTransportFailureReturnsToIdle(t *testing.T) {
	transport := &stubTransport{commitErr: errors.New("socket closed")}
	c, _ := newTestCoordinator(transport, &stubAttenuator{})

	c.AddPendingAudio(300)
	if err := c.CommitNow(); err == nil {
		t.Fatalf("CommitNow() error = nil, want transport error")
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v after transport failure, want idle", got)
	}
}

func TestResetClearsStateAndLedger(t *testing.T) {
	transport := &stubTransport{}
	c, timers := newTestCoordinator(transport, &stubAttenuator{})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(600)
	c.HandleServerSpeechStopped()
	c.Reset()

	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v after Reset, want idle", got)
	}
	if got := c.PendingMS(); got != 0 {
		t.Fatalf("PendingMS() = %v after Reset, want 0", got)
	}
	timers.fireLast()
	if transport.commits != 0 {
		t.Fatalf("commits = %d after Reset, want 0", transport.commits)
	}
}

func TestLocalDetectionIgnoresServerEvents(t *testing.T) {
	transport := &stubTransport{}
	c := NewCoordinator(Config{Detection: DetectionLocal}, transport, &stubAttenuator{})
	timers := &manualTimers{}
	c.afterFunc = timers.afterFunc

	c.HandleServerSpeechStarted()
	if got := c.State(); got != StateIdle {
		t.Fatalf("State() = %v after server event in local mode, want idle", got)
	}

	c.HandleLocalSpeech(true)
	if got := c.State(); got != StateUserSpeaking {
		t.Fatalf("State() = %v, want user_speaking", got)
	}
	c.AddPendingAudio(200)
	c.HandleLocalSpeech(false)
	if got := c.State(); got != StateDebouncingStop {
		t.Fatalf("State() = %v, want debouncing_stop", got)
	}
	timers.fireLast()
	if transport.commits != 1 {
		t.Fatalf("commits = %d, want 1", transport.commits)
	}
}

func TestEventHookObservesLifecycle(t *testing.T) {
	transport := &stubTransport{}
	c, timers := newTestCoordinator(transport, &stubAttenuator{})

	var mu sync.Mutex
	var events []string
	c.SetEventHook(func(event string) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	c.HandleServerSpeechStarted()
	c.AddPendingAudio(300)
	c.HandleServerSpeechStopped()
	timers.fireLast()
	c.HandleResponseDone()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"speech_started", "debounce_armed", "commit_sent", "response_done"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}
