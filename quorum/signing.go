package quorum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/sign"
)

// maxSignSessions bounds how many concurrent signing sessions are tracked.
// Old sessions fall out of the cache unrecovered.
const maxSignSessions = 256

// maxRecoveredSigs bounds the recovered-signature cache used for
// de-duplication and queries.
const maxRecoveredSigs = 1024

// RecoveredSig is a completed threshold signature for one signing request.
type RecoveredSig struct {
	QuorumType Type
	// QuorumHash identifies the quorum whose key signed. Zero when the
	// static bootstrap group signed.
	QuorumHash chain.Hash
	ID         chain.Hash
	MsgHash    chain.Hash
	Sig        []byte
}

// RecoveredSigListener is notified synchronously each time a signing
// session completes. Implementations must not block for long.
type RecoveredSigListener interface {
	HandleNewRecoveredSig(rs *RecoveredSig)
}

// SigShareMsg is one member's partial signature, broadcast to the network.
type SigShareMsg struct {
	QuorumType uint8
	QuorumHash chain.Hash
	ID         chain.Hash
	MsgHash    chain.Hash
	Member     string
	Partial    []byte
}

// ShareBroadcaster sends a signature share to all peers, fire and forget.
type ShareBroadcaster interface {
	BroadcastSigShare(msg *SigShareMsg)
}

// BuildSignHash derives the message actually signed by quorum members. It
// binds the signature to the quorum type, the concrete quorum, the request
// id, and the message hash, so a signature can never be replayed for a
// different request or quorum.
func BuildSignHash(t Type, quorumHash, id, msgHash chain.Hash) chain.Hash {
	return chain.NewHash([]byte{byte(t)}, quorumHash[:], id[:], msgHash[:])
}

// signerGroup is the resolved key material for one signing session,
// either a formed quorum or the static bootstrap group.
type signerGroup struct {
	quorumHash chain.Hash
	members    []string
	threshold  int
	pubPoly    *share.PubPoly
	ownShare   *share.PriShare
}

type signSession struct {
	qtype    Type
	group    *signerGroup
	id       chain.Hash
	msgHash  chain.Hash
	signHash chain.Hash

	have       map[int]bool
	partials   [][]byte
	recovering bool
	done       bool
}

// SigningManager drives threshold-signing sessions: it contributes this
// node's share when the node is a member of the responsible quorum,
// collects shares from peers, recovers the quorum signature once the
// threshold is reached, and fans the result out to listeners exactly once.
type SigningManager struct {
	mu        sync.Mutex
	self      string
	registry  *Registry
	static    *StaticGroup
	sessions  *lru.Cache[chain.Hash, *signSession]
	recovered *lru.Cache[chain.Hash, *RecoveredSig]
	listeners []RecoveredSigListener
	bcast     ShareBroadcaster
	logger    hclog.Logger
}

// NewSigningManager creates a signing manager for the named node. static
// may be nil when the node never bootstraps from configured keys.
func NewSigningManager(self string, registry *Registry, static *StaticGroup, bcast ShareBroadcaster, logger hclog.Logger) *SigningManager {
	sessions, _ := lru.New[chain.Hash, *signSession](maxSignSessions)
	recovered, _ := lru.New[chain.Hash, *RecoveredSig](maxRecoveredSigs)
	return &SigningManager{
		self:      self,
		registry:  registry,
		static:    static,
		sessions:  sessions,
		recovered: recovered,
		bcast:     bcast,
		logger:    logger,
	}
}

// RegisterListener adds a recovered-signature listener. Listeners are
// invoked synchronously on the goroutine that completes the session.
func (m *SigningManager) RegisterListener(l RecoveredSigListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func recoveredKey(t Type, id chain.Hash) chain.Hash {
	return chain.NewHash([]byte{byte(t)}, id[:])
}

// HasRecoveredSig reports whether a signature for the request id has
// already been recovered.
func (m *SigningManager) HasRecoveredSig(t Type, id chain.Hash) bool {
	return m.recovered.Contains(recoveredKey(t, id))
}

// GetRecoveredSig returns the recovered signature for a request id, if the
// session completed recently enough to still be cached.
func (m *SigningManager) GetRecoveredSig(t Type, id chain.Hash) (*RecoveredSig, bool) {
	return m.recovered.Get(recoveredKey(t, id))
}

// resolveGroupForSigning picks the group responsible for a fresh request.
func (m *SigningManager) resolveGroupForSigning(t Type, id chain.Hash) *signerGroup {
	if q := m.registry.SelectQuorumForSigning(t, id); q != nil {
		return &signerGroup{
			quorumHash: q.Hash,
			members:    q.Members,
			threshold:  q.Params.Threshold,
			pubPoly:    q.PubPoly,
			ownShare:   q.Share,
		}
	}
	if m.static == nil {
		return nil
	}
	return &signerGroup{
		members:   m.static.Members,
		threshold: m.static.Threshold,
		pubPoly:   m.static.PubPoly,
		ownShare:  m.static.Share,
	}
}

// resolveGroupByHash resolves the group a received share claims to belong
// to. The zero hash denotes the static group.
func (m *SigningManager) resolveGroupByHash(t Type, quorumHash chain.Hash) *signerGroup {
	if quorumHash.IsZero() {
		if m.static == nil {
			return nil
		}
		return &signerGroup{
			members:   m.static.Members,
			threshold: m.static.Threshold,
			pubPoly:   m.static.PubPoly,
			ownShare:  m.static.Share,
		}
	}
	q := m.registry.GetQuorum(t, quorumHash)
	if q == nil {
		return nil
	}
	return &signerGroup{
		quorumHash: q.Hash,
		members:    q.Members,
		threshold:  q.Params.Threshold,
		pubPoly:    q.PubPoly,
		ownShare:   q.Share,
	}
}

// AsyncSignIfMember contributes this node's signature share for the request
// when the node is a member of the responsible quorum. Completion arrives
// asynchronously through the registered listeners. Returns true when a
// share was produced and broadcast, false when the node is not a member or
// the request is already signed or recovered.
func (m *SigningManager) AsyncSignIfMember(t Type, id, msgHash chain.Hash) bool {
	if m.HasRecoveredSig(t, id) {
		return false
	}
	group := m.resolveGroupForSigning(t, id)
	if group == nil || group.ownShare == nil {
		return false
	}
	signHash := BuildSignHash(t, group.quorumHash, id, msgHash)

	m.mu.Lock()
	s := m.sessionLocked(t, group, id, msgHash, signHash)
	if s.done || s.have[group.ownShare.I] {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	partial := sign.SignTSPartial(group.ownShare, signHash.Bytes())
	msg := &SigShareMsg{
		QuorumType: uint8(t),
		QuorumHash: group.quorumHash,
		ID:         id,
		MsgHash:    msgHash,
		Member:     m.self,
		Partial:    partial,
	}
	m.logger.Debug("signing request as quorum member",
		"type", t, "quorum", group.quorumHash.ShortString(), "id", id.ShortString())
	m.addPartial(s, group.ownShare.I, partial)
	if m.bcast != nil {
		m.bcast.BroadcastSigShare(msg)
	}
	return true
}

// ProcessSigShare validates and collects a share received from a peer.
// sender is the transport-authenticated node name; a share claiming another
// member is dropped.
func (m *SigningManager) ProcessSigShare(sender string, msg *SigShareMsg) error {
	if msg.Member != sender {
		return fmt.Errorf("share claims member %q but was sent by %q", msg.Member, sender)
	}
	t := Type(msg.QuorumType)
	if !HasParams(t) {
		return fmt.Errorf("share for undefined quorum type %d", msg.QuorumType)
	}
	group := m.resolveGroupByHash(t, msg.QuorumHash)
	if group == nil {
		return fmt.Errorf("share for unknown quorum %s", msg.QuorumHash.ShortString())
	}
	memberIdx := -1
	for i, name := range group.members {
		if name == sender {
			memberIdx = i
			break
		}
	}
	if memberIdx < 0 {
		return fmt.Errorf("sender %q is not a member of quorum %s", sender, msg.QuorumHash.ShortString())
	}
	shareIdx, err := sign.TSPartialIndex(msg.Partial)
	if err != nil {
		return fmt.Errorf("malformed partial signature: %w", err)
	}
	if shareIdx != memberIdx {
		return fmt.Errorf("share index %d does not match member index %d of %q", shareIdx, memberIdx, sender)
	}

	// Verification happens before any lock is taken.
	signHash := BuildSignHash(t, msg.QuorumHash, msg.ID, msg.MsgHash)
	if err := sign.VerifyTSPartial(group.pubPoly, signHash.Bytes(), msg.Partial); err != nil {
		return fmt.Errorf("partial signature from %q does not verify: %w", sender, err)
	}

	m.mu.Lock()
	s := m.sessionLocked(t, group, msg.ID, msg.MsgHash, signHash)
	m.mu.Unlock()
	m.addPartial(s, memberIdx, msg.Partial)
	return nil
}

func (m *SigningManager) sessionLocked(t Type, group *signerGroup, id, msgHash, signHash chain.Hash) *signSession {
	if s, ok := m.sessions.Get(signHash); ok {
		return s
	}
	s := &signSession{
		qtype:    t,
		group:    group,
		id:       id,
		msgHash:  msgHash,
		signHash: signHash,
		have:     make(map[int]bool),
	}
	m.sessions.Add(signHash, s)
	return s
}

// addPartial records a share and, when the threshold is reached, recovers
// the quorum signature. Recovery runs outside the manager lock; the
// recovering flag guarantees only one goroutine attempts it.
func (m *SigningManager) addPartial(s *signSession, idx int, partial []byte) {
	m.mu.Lock()
	if s.done || s.have[idx] {
		m.mu.Unlock()
		return
	}
	s.have[idx] = true
	s.partials = append(s.partials, partial)
	ready := len(s.partials) >= s.group.threshold && !s.recovering
	if ready {
		s.recovering = true
	}
	partials := s.partials
	m.mu.Unlock()

	if !ready {
		return
	}
	m.finishSession(s, partials)
}

func (m *SigningManager) finishSession(s *signSession, partials [][]byte) {
	sig, err := sign.RecoverTS(partials, s.group.pubPoly, s.signHash.Bytes(),
		s.group.threshold, len(s.group.members))
	if err == nil {
		err = sign.VerifyTS(s.group.pubPoly, s.signHash.Bytes(), sig)
	}
	if err != nil {
		m.logger.Error("threshold recovery failed despite verified shares",
			"id", s.id.ShortString(), "error", err)
		m.mu.Lock()
		s.recovering = false
		m.mu.Unlock()
		return
	}

	rs := &RecoveredSig{
		QuorumType: s.qtype,
		QuorumHash: s.group.quorumHash,
		ID:         s.id,
		MsgHash:    s.msgHash,
		Sig:        sig,
	}
	m.mu.Lock()
	s.done = true
	m.recovered.Add(recoveredKey(s.qtype, s.id), rs)
	listeners := make([]RecoveredSigListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("threshold signature recovered",
		"type", s.qtype, "quorum", s.group.quorumHash.ShortString(),
		"id", s.id.ShortString(), "shares", len(partials))
	for _, l := range listeners {
		l.HandleNewRecoveredSig(rs)
	}
}

// VerifyRecoveredSig checks a recovered signature against every quorum of
// the type that is still active for signing, falling back to the static
// group. It returns the hash of the quorum whose key verified the
// signature, with the zero hash standing for the static group.
func (m *SigningManager) VerifyRecoveredSig(t Type, id, msgHash chain.Hash, sig []byte) (chain.Hash, error) {
	if len(sig) == 0 {
		return chain.Hash{}, errors.New("empty signature")
	}
	candidates := m.registry.ScanQuorums(t, GetParams(t).SigningActiveQuorumCount)
	for _, q := range candidates {
		signHash := BuildSignHash(t, q.Hash, id, msgHash)
		if err := sign.VerifyTS(q.PubPoly, signHash.Bytes(), sig); err == nil {
			return q.Hash, nil
		}
	}
	if m.static != nil {
		signHash := BuildSignHash(t, chain.Hash{}, id, msgHash)
		if err := sign.VerifyTS(m.static.PubPoly, signHash.Bytes(), sig); err == nil {
			return chain.Hash{}, nil
		}
	}
	return chain.Hash{}, fmt.Errorf("signature for request %s does not verify against any active quorum", id.ShortString())
}
