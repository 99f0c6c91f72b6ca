// Package session implements the per-client speech segmentation state:
// the INACTIVE/ACTIVE/COOLDOWN machine that turns a stream of classified
// audio frames into partial and final segment emissions, the pre-roll
// ring that keeps utterance onsets from being clipped, and the snapshot
// codec for the broker's session hash.
//
// The machine is deliberately pure with respect to time: callers pass the
// current time into Feed, so tests drive it with a synthetic clock. It
// also never performs I/O. The gateway decides when an offered partial
// is actually published (flow control lives there), while finals are
// returned as non-skippable flushes.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/lingostream/lingostream/pkg/audio"
)

// State is the speech segmentation state of one session.
type State int

const (
	// StateInactive: no utterance in progress; frames feed the pre-roll ring.
	StateInactive State = iota

	// StateActive: an utterance is accumulating; partials are offered as
	// audio builds up.
	StateActive

	// StateCooldown: speech paused; frames still accumulate while silence
	// is measured against the threshold.
	StateCooldown
)

// String returns the lowercase state name used in logs and the session hash.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState is the inverse of [State.String].
func ParseState(s string) (State, error) {
	switch s {
	case "inactive":
		return StateInactive, nil
	case "active":
		return StateActive, nil
	case "cooldown":
		return StateCooldown, nil
	default:
		return StateInactive, fmt.Errorf("session: unknown state %q", s)
	}
}

// FlushReason says why a final segment was emitted.
type FlushReason int

const (
	// FlushSilence: silence persisted past the threshold after speech.
	FlushSilence FlushReason = iota

	// FlushForced: the segment buffer hit its cap mid-utterance.
	FlushForced

	// FlushClose: the socket closed with an utterance still buffered.
	FlushClose
)

// String returns the reason name used in logs.
func (r FlushReason) String() string {
	switch r {
	case FlushSilence:
		return "silence"
	case FlushForced:
		return "forced"
	case FlushClose:
		return "close"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Flush is a final segment emission. Audio is the full utterance buffer;
// ownership transfers to the caller.
type Flush struct {
	Audio  []byte
	Reason FlushReason
}

// MachineConfig sizes the segmentation machine. All durations refer to
// 16 kHz mono s16le audio.
type MachineConfig struct {
	// PreRoll is how much audio to retain while INACTIVE so the start of
	// an utterance is prepended when speech triggers.
	PreRoll time.Duration

	// StreamChunk is the minimum new audio accumulated between partial
	// emissions.
	StreamChunk time.Duration

	// MaxBuffer caps the utterance buffer; reaching it forces a final.
	MaxBuffer time.Duration

	// SilenceThreshold is how long silence must persist after speech
	// before the utterance is finalized.
	SilenceThreshold time.Duration
}

func (c MachineConfig) validate() error {
	var errs []error
	if c.PreRoll < 0 {
		errs = append(errs, errors.New("session: pre-roll must not be negative"))
	}
	if c.StreamChunk <= 0 {
		errs = append(errs, errors.New("session: stream chunk must be positive"))
	}
	if c.MaxBuffer <= 0 {
		errs = append(errs, errors.New("session: max buffer must be positive"))
	} else if c.MaxBuffer < c.StreamChunk {
		errs = append(errs, errors.New("session: max buffer must be at least one stream chunk"))
	}
	if c.SilenceThreshold <= 0 {
		errs = append(errs, errors.New("session: silence threshold must be positive"))
	}
	return errors.Join(errs...)
}

// Machine is the segmentation state machine for one session. Not safe for
// concurrent use; the gateway drives it from the session's own goroutine.
type Machine struct {
	chunkBytes     int
	maxBufferBytes int
	silence        time.Duration

	state     State
	preRoll   *Ring
	buf       []byte
	sinceEmit int
	lastVoice time.Time
}

// NewMachine creates a segmentation machine.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Machine{
		chunkBytes:     audio.BytesFor(cfg.StreamChunk, audio.TargetSampleRate),
		maxBufferBytes: audio.BytesFor(cfg.MaxBuffer, audio.TargetSampleRate),
		silence:        cfg.SilenceThreshold,
		preRoll:        NewRing(audio.BytesFor(cfg.PreRoll, audio.TargetSampleRate)),
	}, nil
}

// Feed advances the machine by one classified frame. A returned Flush is a
// final segment the caller must publish; it is never skippable. Partials
// are not returned here; poll [Machine.PartialDue] after each Feed.
func (m *Machine) Feed(frame []byte, speech bool, now time.Time) (Flush, bool) {
	switch m.state {
	case StateInactive:
		if !speech {
			m.preRoll.Write(frame)
			return Flush{}, false
		}
		// Utterance onset: drain the pre-roll into the segment buffer so
		// the first syllable is not clipped.
		m.buf = append(m.buf, m.preRoll.Bytes()...)
		m.preRoll.Reset()
		m.buf = append(m.buf, frame...)
		m.sinceEmit = len(m.buf)
		m.lastVoice = now
		m.state = StateActive

	case StateActive:
		m.buf = append(m.buf, frame...)
		m.sinceEmit += len(frame)
		if speech {
			m.lastVoice = now
		} else {
			m.state = StateCooldown
		}

	case StateCooldown:
		// Cooldown frames stay in the buffer: if speech resumes they are
		// part of the utterance, and trailing silence is harmless to STT.
		m.buf = append(m.buf, frame...)
		m.sinceEmit += len(frame)
		if speech {
			m.lastVoice = now
			m.state = StateActive
		}
	}

	if len(m.buf) >= m.maxBufferBytes {
		return m.flush(FlushForced), true
	}
	if m.state == StateCooldown && now.Sub(m.lastVoice) >= m.silence {
		return m.flush(FlushSilence), true
	}
	return Flush{}, false
}

// PartialDue reports whether enough new audio has accumulated for a
// partial emission. The offer stands until the caller takes it, so flow
// control can defer it across frames.
func (m *Machine) PartialDue() bool {
	return m.state == StateActive && m.sinceEmit >= m.chunkBytes
}

// TakePartial returns a copy of the utterance buffer for a partial job and
// restarts the new-audio accounting. Returns nil when no partial is due.
func (m *Machine) TakePartial() []byte {
	if !m.PartialDue() {
		return nil
	}
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	m.sinceEmit = 0
	return out
}

// FlushClose finalizes a buffered utterance when the socket closes.
// Returns false when nothing is buffered.
func (m *Machine) FlushClose() (Flush, bool) {
	if m.state == StateInactive || len(m.buf) == 0 {
		return Flush{}, false
	}
	return m.flush(FlushClose), true
}

// StartOver discards the utterance buffer and the pre-roll and returns to
// INACTIVE. The caller handles abandoning in-flight jobs.
func (m *Machine) StartOver() {
	m.buf = nil
	m.sinceEmit = 0
	m.preRoll.Reset()
	m.state = StateInactive
}

// State returns the current segmentation state.
func (m *Machine) State() State { return m.state }

// BufferedBytes returns the current utterance buffer size.
func (m *Machine) BufferedBytes() int { return len(m.buf) }

// PreRollBytes returns how much pre-roll audio is currently held.
func (m *Machine) PreRollBytes() int { return m.preRoll.Len() }

func (m *Machine) flush(reason FlushReason) Flush {
	out := m.buf
	m.buf = nil
	m.sinceEmit = 0
	m.state = StateInactive
	return Flush{Audio: out, Reason: reason}
}
