package hardware

import (
	"fmt"
	"sort"
	"sync"
)

// UseCase names a reason the audio device session is held open.
type UseCase string

const (
	UseCaseRecording      UseCase = "recording"
	UseCasePlayback       UseCase = "playback"
	UseCaseRealtimeDuplex UseCase = "realtime_duplex"
)

// Device is the platform audio session underneath the manager. Configure is
// called once when the first use-case arrives, Deconfigure when the last
// one leaves.
type Device interface {
	Configure(active []UseCase) error
	Deconfigure() error
}

// Manager reference-counts audio hardware access by use-case so capture,
// playback and the duplex session can share one device configuration.
// Acquire and Release calls must be strictly paired.
type Manager struct {
	mu     sync.Mutex
	device Device
	refs   map[UseCase]int
	total  int
}

func NewManager(device Device) *Manager {
	return &Manager{
		device: device,
		refs:   make(map[UseCase]int),
	}
}

func (m *Manager) Acquire(uc UseCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total == 0 {
		if err := m.device.Configure(activeSetLocked(m.refs, uc)); err != nil {
			return fmt.Errorf("configure audio session: %w", err)
		}
	}
	m.refs[uc]++
	m.total++
	return nil
}

func (m *Manager) Release(uc UseCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs[uc] <= 0 {
		return fmt.Errorf("unbalanced release for audio use case %q", uc)
	}
	m.refs[uc]--
	m.total--
	if m.refs[uc] == 0 {
		delete(m.refs, uc)
	}
	if m.total == 0 {
		if err := m.device.Deconfigure(); err != nil {
			return fmt.Errorf("deconfigure audio session: %w", err)
		}
	}
	return nil
}

// Active reports the use-cases currently holding the device.
func (m *Manager) Active() []UseCase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return activeSetLocked(m.refs, "")
}

func activeSetLocked(refs map[UseCase]int, extra UseCase) []UseCase {
	out := make([]UseCase, 0, len(refs)+1)
	for uc, n := range refs {
		if n > 0 {
			out = append(out, uc)
		}
	}
	if extra != "" {
		out = append(out, extra)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NullDevice accepts any configuration. Used headless and in tests.
type NullDevice struct{}

func (NullDevice) Configure([]UseCase) error { return nil }
func (NullDevice) Deconfigure() error        { return nil }
