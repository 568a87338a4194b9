package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrConverterCreationFailed marks a frame that could not be converted
	// to the session PCM format. Stops only the capture pipeline.
	ErrConverterCreationFailed = errors.New("audio converter creation failed")
	// ErrEngineStartFailed marks a capture or playback engine that failed to start.
	ErrEngineStartFailed = errors.New("audio engine start failed")
)

// Frame is one raw buffer delivered by the input device callback.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Source abstracts the input device. The frame callback runs on the
// device's latency-sensitive thread and must not block.
type Source interface {
	Start(onFrame func(Frame)) error
	Stop() error
}

// Chunk is one converted capture buffer in the session wire format.
type Chunk struct {
	PCM        []byte
	SampleRate int
	DurationMS float64
	EnergyDB   float64
}

// CaptureEngine converts device frames to mono PCM16LE at the session
// target rate and attaches an RMS energy reading to each chunk. Chunks are
// always forwarded, even when the detector scores them as non-speech;
// dropping audio here would truncate the start of quiet utterances.
type CaptureEngine struct {
	source     Source
	targetRate int
	onChunk    func(Chunk)
	onError    func(error)

	mu      sync.Mutex
	running bool
	frames  chan Frame
	done    chan struct{}
}

func NewCaptureEngine(source Source, targetRate int, onChunk func(Chunk), onError func(error)) *CaptureEngine {
	if targetRate <= 0 {
		targetRate = 24000
	}
	return &CaptureEngine{
		source:     source,
		targetRate: targetRate,
		onChunk:    onChunk,
		onError:    onError,
	}
}

func (e *CaptureEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.frames = make(chan Frame, 256)
	e.done = make(chan struct{})
	go e.convertLoop(e.frames, e.done)

	if err := e.source.Start(e.handleFrame); err != nil {
		close(e.done)
		e.frames = nil
		e.done = nil
		return fmt.Errorf("%w: %v", ErrEngineStartFailed, err)
	}
	e.running = true
	return nil
}

// Stop tears down only the capture pipeline. Idempotent.
func (e *CaptureEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	_ = e.source.Stop()
	close(e.done)
	e.frames = nil
	e.done = nil
}

func (e *CaptureEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// handleFrame runs on the device callback thread: copy and hand off only.
func (e *CaptureEngine) handleFrame(f Frame) {
	e.mu.Lock()
	frames := e.frames
	e.mu.Unlock()
	if frames == nil {
		return
	}
	cp := Frame{
		Samples:    append([]float32(nil), f.Samples...),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
	select {
	case frames <- cp:
	default:
		log.Printf("capture: frame queue overrun, dropping %d samples", len(f.Samples))
	}
}

func (e *CaptureEngine) convertLoop(frames <-chan Frame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-frames:
			chunk, err := e.convert(f)
			if err != nil {
				if e.onError != nil {
					e.onError(err)
				}
				e.Stop()
				return
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if e.onChunk != nil {
				e.onChunk(chunk)
			}
		}
	}
}

func (e *CaptureEngine) convert(f Frame) (Chunk, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 || len(f.Samples) == 0 {
		return Chunk{}, fmt.Errorf("%w: unsupported frame %dch@%dHz", ErrConverterCreationFailed, f.Channels, f.SampleRate)
	}
	mono := DownmixMono(f.Samples, f.Channels)
	resampled, err := Resample(mono, f.SampleRate, e.targetRate)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrConverterCreationFailed, err)
	}
	pcm := Float32ToPCM16LE(resampled)
	return Chunk{
		PCM:        pcm,
		SampleRate: e.targetRate,
		DurationMS: PCM16Duration(pcm, e.targetRate),
		EnergyDB:   RMSEnergyDB(resampled),
	}, nil
}

// SilenceSource is a development stand-in for a microphone: it emits zeroed
// mono frames at a steady cadence so the full pipeline can run headless.
type SilenceSource struct {
	SampleRate int
	FrameMS    int

	mu   sync.Mutex
	stop chan struct{}
}

func (s *SilenceSource) Start(onFrame func(Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	frameMS := s.FrameMS
	if frameMS <= 0 {
		frameMS = 20
	}
	stop := make(chan struct{})
	s.stop = stop
	go func() {
		ticker := time.NewTicker(time.Duration(frameMS) * time.Millisecond)
		defer ticker.Stop()
		n := rate * frameMS / 1000
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onFrame(Frame{Samples: make([]float32, n), SampleRate: rate, Channels: 1})
			}
		}
	}()
	return nil
}

func (s *SilenceSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	s.stop = nil
	return nil
}
