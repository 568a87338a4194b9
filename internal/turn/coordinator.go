package turn

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the speech turn-taking state. Exactly one is active per session
// and transitions are the sole mutator.
type State string

const (
	StateIdle             State = "idle"
	StateUserSpeaking     State = "user_speaking"
	StateDebouncingStop   State = "debouncing_stop"
	StateCommitting       State = "committing"
	StateAwaitingResponse State = "awaiting_response"
)

// ErrTooLittleAudio rejects a commit attempt below the minimum pending
// duration. This is a local rejection; nothing reaches the transport.
var ErrTooLittleAudio = errors.New("not enough pending audio to commit")

// Transport is the slice of the realtime connection the coordinator drives.
type Transport interface {
	CommitInput() error
	CreateResponse(trigger string) error
}

// Attenuator lets the coordinator duck assistant audio on barge-in.
type Attenuator interface {
	Speaking() bool
	BargeIn()
}

// Config tunes turn taking. The minimum commit duration and the stop
// debounce are deliberately parameters, not constants.
type Config struct {
	// MinCommitDuration is the least pending audio worth committing.
	MinCommitDuration time.Duration
	// DebounceInterval is the guard window after speech_stopped before a
	// commit is actually sent.
	DebounceInterval time.Duration
	// Detection selects which signal ends a turn: DetectionServerVAD or
	// DetectionLocal.
	Detection string
}

const (
	DetectionServerVAD = "server_vad"
	DetectionLocal     = "local"

	defaultMinCommit = 100 * time.Millisecond
	defaultDebounce  = 350 * time.Millisecond
)

// Coordinator consumes speech boundary signals, debounces the stop edge,
// commits captured audio and requests model responses. A generation token
// guards the debounce timer: any superseding event invalidates an
// outstanding timer so a stale expiry is a no-op.
type Coordinator struct {
	cfg       Config
	transport Transport
	playback  Attenuator
	afterFunc func(time.Duration, func()) *time.Timer
	onEvent   func(string)

	mu          sync.Mutex
	state       State
	pendingMS   float64
	debounceGen uint64
	timer       *time.Timer
}

func NewCoordinator(cfg Config, transport Transport, playback Attenuator) *Coordinator {
	if cfg.MinCommitDuration <= 0 {
		cfg.MinCommitDuration = defaultMinCommit
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaultDebounce
	}
	if cfg.Detection != DetectionLocal {
		cfg.Detection = DetectionServerVAD
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		playback:  playback,
		afterFunc: time.AfterFunc,
		state:     StateIdle,
	}
}

// SetEventHook registers a metrics observer for coordinator events.
func (c *Coordinator) SetEventHook(hook func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = hook
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserSpeaking reports whether the coordinator currently believes the user
// is mid-utterance. The detector uses this to freeze noise calibration.
func (c *Coordinator) UserSpeaking() bool {
	return c.State() == StateUserSpeaking
}

func (c *Coordinator) PendingMS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingMS
}

func (c *Coordinator) Detection() string { return c.cfg.Detection }

// AddPendingAudio records appended capture audio in the uncommitted ledger.
func (c *Coordinator) AddPendingAudio(ms float64) {
	if ms <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingMS += ms
}

// HandleServerSpeechStarted reacts to the endpoint's speech_started event.
// Ignored when local detection is configured.
func (c *Coordinator) HandleServerSpeechStarted() {
	if c.cfg.Detection != DetectionServerVAD {
		return
	}
	c.speechStarted()
}

// HandleServerSpeechStopped reacts to the endpoint's speech_stopped event.
func (c *Coordinator) HandleServerSpeechStopped() {
	if c.cfg.Detection != DetectionServerVAD {
		return
	}
	c.speechStopped()
}

// HandleLocalSpeech feeds the local detector's continuity verdict when
// local detection is configured; the server events become diagnostic.
func (c *Coordinator) HandleLocalSpeech(active bool) {
	if c.cfg.Detection != DetectionLocal {
		return
	}
	if active {
		c.speechStarted()
	} else {
		c.speechStopped()
	}
}

func (c *Coordinator) speechStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.playback != nil && c.playback.Speaking() {
		c.playback.BargeIn()
		c.emitLocked("barge_in")
	}

	switch c.state {
	case StateIdle, StateAwaitingResponse:
		c.state = StateUserSpeaking
		c.emitLocked("speech_started")
	case StateDebouncingStop:
		// Speech resumed inside the guard window: cancel the pending
		// commit for this cycle.
		c.cancelDebounceLocked()
		c.state = StateUserSpeaking
		c.emitLocked("debounce_cancelled")
	case StateUserSpeaking, StateCommitting:
	}
}

func (c *Coordinator) speechStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUserSpeaking {
		return
	}
	if c.pendingMS < float64(c.cfg.MinCommitDuration.Milliseconds()) {
		// Too short to be speech; treat as noise.
		c.pendingMS = 0
		c.state = StateIdle
		c.emitLocked("stop_ignored_short")
		return
	}

	c.cancelDebounceLocked()
	c.state = StateDebouncingStop
	c.debounceGen++
	gen := c.debounceGen
	c.timer = c.afterFunc(c.cfg.DebounceInterval, func() {
		c.debounceFired(gen)
	})
	c.emitLocked("debounce_armed")
}

func (c *Coordinator) debounceFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.debounceGen || c.state != StateDebouncingStop {
		return
	}
	if err := c.commitLocked("server_vad"); err != nil {
		log.Printf("turn: debounce commit skipped: %v", err)
	}
}

// CommitNow forces a commit, bypassing the debounce. Used for app-driven
// turn endings such as a push-to-talk release.
func (c *Coordinator) CommitNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDebounceLocked()
	return c.commitLocked("manual")
}

// HandleResponseDone closes the turn cycle once the model finished
// responding.
func (c *Coordinator) HandleResponseDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAwaitingResponse {
		c.state = StateIdle
		c.emitLocked("response_done")
	}
}

// Reset returns the coordinator to a freshly constructed state. Called on
// connect and disconnect.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDebounceLocked()
	c.pendingMS = 0
	c.state = StateIdle
}

func (c *Coordinator) commitLocked(trigger string) error {
	c.state = StateCommitting
	// The ledger resets on every attempt, sent or rejected.
	pending := c.pendingMS
	c.pendingMS = 0

	if pending < float64(c.cfg.MinCommitDuration.Milliseconds()) {
		c.state = StateIdle
		c.emitLocked("commit_rejected_short")
		return ErrTooLittleAudio
	}

	if err := c.transport.CommitInput(); err != nil {
		c.state = StateIdle
		return err
	}
	c.emitLocked("commit_sent")
	if err := c.transport.CreateResponse(trigger); err != nil {
		c.state = StateIdle
		return err
	}
	c.state = StateAwaitingResponse
	return nil
}

func (c *Coordinator) cancelDebounceLocked() {
	c.debounceGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) emitLocked(event string) {
	if c.onEvent != nil {
		c.onEvent(event)
	}
}
