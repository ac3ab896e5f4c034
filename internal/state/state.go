// Package state defines the per-entry registration state machine of the
// responder.
//
// RFC 6762 §8: every unique record set is probed three times, 250ms apart, and
// then announced. This implementation announces three times with a doubling
// interval (0, 1s, 3s) and withdraws records with two goodbye messages one
// second apart (RFC 6762 §10.1).
//
//	Probing(0) ─250ms→ Probing(1) ─250ms→ Probing(2) ─250ms→ Announcing(0)
//	Announcing(0) ─1s→ Announcing(1) ─2s→ Announcing(2) → Registered
//	Removing(0) ─1s→ Removing(1) → destroyed
//
// Conflicted is terminal: the entry lost its name and takes no further action.
package state

import (
	"fmt"
	"time"

	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// Phase is the kind of a RegistrationState.
type Phase uint8

const (
	PhaseProbing Phase = iota + 1
	PhaseAnnouncing
	PhaseRegistered
	PhaseRemoving
	PhaseConflicted
)

func (p Phase) String() string {
	switch p {
	case PhaseProbing:
		return "probing"
	case PhaseAnnouncing:
		return "announcing"
	case PhaseRegistered:
		return "registered"
	case PhaseRemoving:
		return "removing"
	case PhaseConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// RegistrationState is a tagged value: a phase and, for the phases that send
// messages, how many messages of that phase have been sent already.
type RegistrationState struct {
	phase Phase
	count int
}

func Probing(n int) RegistrationState    { return RegistrationState{phase: PhaseProbing, count: n} }
func Announcing(n int) RegistrationState { return RegistrationState{phase: PhaseAnnouncing, count: n} }
func Registered() RegistrationState      { return RegistrationState{phase: PhaseRegistered} }
func Removing(n int) RegistrationState   { return RegistrationState{phase: PhaseRemoving, count: n} }
func Conflicted() RegistrationState      { return RegistrationState{phase: PhaseConflicted} }

// Phase returns the phase of s.
func (s RegistrationState) Phase() Phase { return s.phase }

// Count returns the number of messages already sent in the current phase.
func (s RegistrationState) Count() int { return s.count }

func (s RegistrationState) String() string {
	switch s.phase {
	case PhaseProbing, PhaseAnnouncing, PhaseRemoving:
		return fmt.Sprintf("%s(%d)", s.phase, s.count)
	default:
		return s.phase.String()
	}
}

// Is reports whether s is in phase p.
func (s RegistrationState) Is(p Phase) bool { return s.phase == p }

// Scheduled reports whether s has a pending timed action.
func (s RegistrationState) Scheduled() bool {
	return s.phase == PhaseProbing || s.phase == PhaseAnnouncing || s.phase == PhaseRemoving
}

// Answers reports whether an entry in s answers queries: its records have been
// probed and are not being withdrawn.
func (s RegistrationState) Answers() bool {
	return s.phase == PhaseAnnouncing || s.phase == PhaseRegistered
}

// Defends reports whether an entry in s claims its name, so that conflicting
// records seen on the network must be acted on.
func (s RegistrationState) Defends() bool {
	return s.phase == PhaseProbing || s.phase == PhaseAnnouncing || s.phase == PhaseRegistered
}

// Transition is the outcome of performing the action of a state.
type Transition struct {
	Next  RegistrationState
	Delay time.Duration // time until Next's action, meaningful if Next.Scheduled()
	Done  bool          // the entry is finished and must be destroyed
}

// Advance returns the state that follows once the message of s has been sent.
func (s RegistrationState) Advance() Transition {
	switch s.phase {
	case PhaseProbing:
		if s.count+1 < protocol.NumProbes {
			return Transition{Next: Probing(s.count + 1), Delay: protocol.ProbeInterval}
		}
		return Transition{Next: Announcing(0), Delay: protocol.ProbeInterval}
	case PhaseAnnouncing:
		if s.count+1 < protocol.NumAnnounces {
			return Transition{Next: Announcing(s.count + 1), Delay: AnnounceInterval(s.count + 1)}
		}
		return Transition{Next: Registered()}
	case PhaseRemoving:
		if s.count+1 < protocol.NumGoodbyes {
			return Transition{Next: Removing(s.count + 1), Delay: protocol.GoodbyeInterval}
		}
		return Transition{Next: s, Done: true}
	default:
		return Transition{Next: s}
	}
}

// AnnounceInterval returns the wait before announcement i (i ≥ 1):
// (1 << (i-1)) seconds.
func AnnounceInterval(i int) time.Duration {
	if i < 1 {
		return 0
	}
	return time.Duration(1<<(i-1)) * protocol.AnnounceBaseInterval
}
