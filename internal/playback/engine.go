package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/solhealth/solace/internal/audio"
)

// ErrBufferDropped marks a PCM buffer that could not be converted to the
// output mixing format. Only that buffer is lost, never the pipeline.
var ErrBufferDropped = errors.New("playback buffer dropped")

// Format is the output device mixing format.
type Format struct {
	SampleRate int
	Channels   int
}

// Output abstracts the playback device. Write blocks for roughly the play
// time of the frame it is handed.
type Output interface {
	Start(format Format) error
	Write(pcm []byte) error
	Stop() error
}

const frameMS = 20

// Engine schedules PCM buffers for sequential playback, converting them to
// the device mixing format when rates differ. Barge-in attenuates the
// active audio with a linear gain ramp instead of an abrupt cut, which
// would click.
type Engine struct {
	out    Output
	format Format

	mu       sync.Mutex
	started  bool
	queue    [][]byte
	playing  bool
	gain     float64
	fadeStep float64
	wake     chan struct{}
	stop     chan struct{}
	changed  chan struct{}
}

func NewEngine(out Output, format Format) *Engine {
	if format.SampleRate <= 0 {
		format.SampleRate = 48000
	}
	if format.Channels <= 0 {
		format.Channels = 2
	}
	return &Engine{
		out:     out,
		format:  format,
		gain:    1,
		changed: make(chan struct{}),
	}
}

// Play converts one mono PCM16LE buffer from srcRate to the mixing format
// and appends it to the playback schedule. The output engine is started
// lazily on first use.
func (e *Engine) Play(pcm []byte, srcRate int) error {
	if len(pcm) == 0 {
		return nil
	}
	converted, err := e.convert(pcm, srcRate)
	if err != nil {
		log.Printf("playback: %v", err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		if err := e.out.Start(e.format); err != nil {
			return fmt.Errorf("%w: %v", audio.ErrEngineStartFailed, err)
		}
		e.started = true
		e.wake = make(chan struct{}, 1)
		e.stop = make(chan struct{})
		go e.playLoop(e.wake, e.stop)
	}
	e.queue = append(e.queue, converted)
	e.notifyLocked()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Speaking reports whether anything is queued or currently sounding.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing || len(e.queue) > 0
}

// FadeOut ramps the active playback's volume to zero over d and then drops
// whatever of the current schedule remains.
func (e *Engine) FadeOut(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing && len(e.queue) == 0 {
		return
	}
	frames := int(d / (frameMS * time.Millisecond))
	if frames <= 0 {
		frames = 1
	}
	e.fadeStep = e.gain / float64(frames)
}

// WaitIdle blocks until nothing is queued or sounding.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		idle := !e.playing && len(e.queue) == 0
		ch := e.changed
		e.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Stop halts playback, clears the schedule and releases the output device.
// Idempotent; called on session disconnect.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	e.gain = 1
	e.fadeStep = 0
	if !e.started {
		return
	}
	e.started = false
	close(e.stop)
	_ = e.out.Stop()
	e.playing = false
	e.notifyLocked()
}

func (e *Engine) convert(pcm []byte, srcRate int) ([]byte, error) {
	resampled, err := audio.ResamplePCM16(pcm, srcRate, e.format.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBufferDropped, err)
	}
	return audio.DuplicateChannelsPCM16(resampled, e.format.Channels), nil
}

func (e *Engine) playLoop(wake <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 || !e.started {
				e.playing = false
				e.notifyLocked()
				e.mu.Unlock()
				break
			}
			buf := e.queue[0]
			e.queue = e.queue[1:]
			e.playing = true
			e.mu.Unlock()

			if !e.writeFrames(buf, stop) {
				return
			}
		}
	}
}

// writeFrames plays one buffer frame by frame, applying any fade ramp.
// Returns false when the engine stopped mid-buffer.
func (e *Engine) writeFrames(buf []byte, stop <-chan struct{}) bool {
	frameBytes := e.format.SampleRate * e.format.Channels * 2 * frameMS / 1000
	if frameBytes <= 0 {
		frameBytes = len(buf)
	}
	for off := 0; off < len(buf); off += frameBytes {
		select {
		case <-stop:
			return false
		default:
		}

		end := off + frameBytes
		if end > len(buf) {
			end = len(buf)
		}
		frame := buf[off:end]

		e.mu.Lock()
		if e.fadeStep > 0 {
			e.gain -= e.fadeStep
			if e.gain <= 0 {
				// Fade completed: drop the remainder of the schedule and
				// restore unity gain for the next utterance.
				e.queue = nil
				e.gain = 1
				e.fadeStep = 0
				e.playing = false
				e.notifyLocked()
				e.mu.Unlock()
				return true
			}
		}
		gain := e.gain
		e.mu.Unlock()

		if gain < 1 {
			audio.ApplyGainPCM16(frame, gain)
		}
		if err := e.out.Write(frame); err != nil {
			// Drop the remainder of this buffer only; the next one gets a
			// fresh chance at the device.
			log.Printf("playback: output write failed: %v", err)
			return true
		}
	}
	return true
}

func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// NullOutput discards audio while pacing writes at realtime so speaking
// indicators behave headless.
type NullOutput struct {
	mu     sync.Mutex
	format Format
}

func (o *NullOutput) Start(format Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.format = format
	return nil
}

func (o *NullOutput) Write(pcm []byte) error {
	o.mu.Lock()
	f := o.format
	o.mu.Unlock()
	if f.SampleRate > 0 && f.Channels > 0 {
		ms := len(pcm) / 2 / f.Channels * 1000 / f.SampleRate
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	return nil
}

func (o *NullOutput) Stop() error { return nil }
