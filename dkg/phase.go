// Package dkg runs the distributed key generation protocol for quorum
// formation. One SessionHandler per quorum type drives sequential sessions
// through the phase state machine on its own thread, feeding peer messages
// staged in per-type pending queues into the active session.
package dkg

// QuorumPhase is the position of a DKG session in its life cycle. Phases
// advance strictly in order and cycle back to Initialized when the next
// quorum height is reached.
type QuorumPhase int

const (
	PhaseNone        QuorumPhase = -1
	PhaseInitialized QuorumPhase = 1
	PhaseContribute  QuorumPhase = 2
	PhaseComplain    QuorumPhase = 3
	PhaseJustify     QuorumPhase = 4
	PhaseCommit      QuorumPhase = 5
	PhaseFinalize    QuorumPhase = 6
	PhaseIdle        QuorumPhase = 7
)

func (p QuorumPhase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseInitialized:
		return "initialized"
	case PhaseContribute:
		return "contribute"
	case PhaseComplain:
		return "complain"
	case PhaseJustify:
		return "justify"
	case PhaseCommit:
		return "commit"
	case PhaseFinalize:
		return "finalize"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}
