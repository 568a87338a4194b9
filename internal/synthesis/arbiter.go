package synthesis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/solhealth/solace/internal/tts"
)

// ErrPlaybackFailed marks synthesized audio that could not be scheduled.
var ErrPlaybackFailed = errors.New("synthesized audio playback failed")

// Player is the slice of the playback engine the arbiter drives.
type Player interface {
	Play(pcm []byte, srcRate int) error
	Speaking() bool
	FadeOut(d time.Duration)
	WaitIdle(ctx context.Context) error
}

// Item is one queued assistant utterance.
type Item struct {
	TurnID    string
	Text      string
	OnSuccess func()
	OnFailure func(error)
}

const defaultFade = 120 * time.Millisecond

// maxRawTurns caps how many turns of fallback audio stay buffered. Turns
// whose transcript never arrives would otherwise pin their audio for the
// life of the session.
const maxRawTurns = 8

// Arbiter serializes assistant speech: transcripts are synthesized and
// played strictly FIFO with at most one item in flight, so audio always
// comes out in generation order. When the primary voice backend fails the
// arbiter replays the raw audio the model itself streamed for that turn,
// so a backend outage degrades voice quality instead of going silent.
type Arbiter struct {
	backend    tts.Backend
	player     Player
	rawRate    int
	fade       time.Duration
	onFallback func()

	mu       sync.Mutex
	queue    []Item
	inFlight bool
	raw      map[string][]byte
	rawOrder []string
	cancel   context.CancelFunc
	wake     chan struct{}
	stop     chan struct{}
	changed  chan struct{}
}

// NewArbiter starts the processing worker. rawRate is the model's native
// output rate used when replaying buffered fallback audio.
func NewArbiter(backend tts.Backend, player Player, rawRate int) *Arbiter {
	if rawRate <= 0 {
		rawRate = 24000
	}
	a := &Arbiter{
		backend: backend,
		player:  player,
		rawRate: rawRate,
		fade:    defaultFade,
		raw:     make(map[string][]byte),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	go a.processLoop()
	return a
}

// SetFallbackHook registers an observer called whenever the raw-audio
// fallback path is taken.
func (a *Arbiter) SetFallbackHook(hook func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFallback = hook
}

// AppendRawAudio buffers a chunk of the model's own streamed audio for the
// given turn, kept only as the fallback voice for that turn.
func (a *Arbiter) AppendRawAudio(turnID string, pcm []byte) {
	if turnID == "" || len(pcm) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.raw[turnID]; !ok {
		a.rawOrder = append(a.rawOrder, turnID)
		if len(a.rawOrder) > maxRawTurns {
			delete(a.raw, a.rawOrder[0])
			a.rawOrder = a.rawOrder[1:]
		}
	}
	a.raw[turnID] = append(a.raw[turnID], pcm...)
}

// Enqueue appends one utterance to the synthesis queue.
func (a *Arbiter) Enqueue(item Item) {
	a.mu.Lock()
	a.queue = append(a.queue, item)
	a.notifyLocked()
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// BargeIn attenuates active playback without touching queued items.
func (a *Arbiter) BargeIn() {
	a.player.FadeOut(a.fade)
}

// Speaking reports whether assistant audio is currently audible.
func (a *Arbiter) Speaking() bool {
	return a.player.Speaking()
}

// QueueLen reports pending items, not counting the one in flight.
func (a *Arbiter) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// WaitUntilIdle blocks until the queue is empty and no audio is playing.
// Used to serialize "don't start a new turn until the last one finished
// speaking".
func (a *Arbiter) WaitUntilIdle(ctx context.Context) error {
	// The player has no change notification, so poll it as well; a
	// cancelled in-flight item can leave the player draining with no
	// further arbiter activity.
	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()
	for {
		a.mu.Lock()
		idle := len(a.queue) == 0 && !a.inFlight && !a.player.Speaking()
		ch := a.changed
		a.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Reset drops queued items, buffered fallback audio and cancels the item
// in flight. Called on disconnect; safe to call repeatedly.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	cancel := a.cancel
	a.queue = nil
	a.raw = make(map[string][]byte)
	a.rawOrder = nil
	a.notifyLocked()
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops the worker. The arbiter cannot be reused afterwards.
func (a *Arbiter) Close() {
	a.Reset()
	close(a.stop)
}

func (a *Arbiter) processLoop() {
	for {
		select {
		case <-a.stop:
			return
		case <-a.wake:
		}
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			item := a.queue[0]
			a.queue = a.queue[1:]
			a.inFlight = true
			ctx, cancel := context.WithCancel(context.Background())
			a.cancel = cancel
			a.mu.Unlock()

			a.processItem(ctx, item)

			a.mu.Lock()
			a.inFlight = false
			a.cancel = nil
			a.dropRawLocked(item.TurnID)
			a.notifyLocked()
			a.mu.Unlock()
			cancel()
		}
	}
}

func (a *Arbiter) processItem(ctx context.Context, item Item) {
	pcm, err := a.backend.Synthesize(ctx, item.Text)
	if err == nil {
		if playErr := a.player.Play(pcm, a.backend.SampleRate()); playErr != nil {
			err = errors.Join(ErrPlaybackFailed, playErr)
		}
	}
	if err == nil {
		_ = a.player.WaitIdle(ctx)
		if item.OnSuccess != nil {
			item.OnSuccess()
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	log.Printf("synthesis: primary backend failed, using model audio fallback: %v", err)
	a.playFallback(ctx, item.TurnID)
	if item.OnFailure != nil {
		item.OnFailure(err)
	}
}

func (a *Arbiter) playFallback(ctx context.Context, turnID string) {
	a.mu.Lock()
	raw := a.raw[turnID]
	hook := a.onFallback
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if len(raw) == 0 {
		return
	}
	if err := a.player.Play(raw, a.rawRate); err != nil {
		log.Printf("synthesis: fallback playback failed: %v", err)
		return
	}
	_ = a.player.WaitIdle(ctx)
}

func (a *Arbiter) dropRawLocked(turnID string) {
	delete(a.raw, turnID)
	for i, id := range a.rawOrder {
		if id == turnID {
			a.rawOrder = append(a.rawOrder[:i], a.rawOrder[i+1:]...)
			break
		}
	}
}

func (a *Arbiter) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
