package dkg

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/quorum"
)

// MessageKind tags which pending queue a raw DKG payload belongs to.
type MessageKind int

const (
	KindContribution MessageKind = iota
	KindComplaint
	KindJustification
	KindPrematureCommitment
)

// msgBatchSize is how many staged messages one wait tick drains.
const msgBatchSize = 8

// defaultPollInterval bounds how long waits take to notice cancellation,
// chain movement, and newly staged messages.
const defaultPollInterval = 100 * time.Millisecond

var (
	// ErrStopped reports that the handler was asked to shut down.
	ErrStopped = errors.New("session handler stopped")
	// ErrSessionSuperseded reports that the block fixing the session's
	// quorum was reorganized away mid-round.
	ErrSessionSuperseded = errors.New("session superseded by a newer quorum")
)

// Sender broadcasts DKG messages to the network, fire and forget.
type Sender interface {
	SendContribution(msg *ContributionMsg)
	SendComplaint(msg *ComplaintMsg)
	SendJustification(msg *JustificationMsg)
	SendPrematureCommitment(msg *PrematureCommitmentMsg)
	SendFinalCommitment(fc *quorum.FinalCommitment)
}

// SessionHandler drives sequential DKG sessions for one quorum type on its
// own thread. Network dispatch pushes raw payloads into per-kind pending
// queues through ProcessMessage; the thread drains them during the phase
// windows they are valid for.
type SessionHandler struct {
	logger     hclog.Logger
	params     quorum.Params
	view       chain.View
	registry   *quorum.Registry
	sender     Sender
	self       string
	longterm   kyber.Scalar
	memberKeys map[string]kyber.Point
	candidates []string

	pendingContributions  *PendingMessages
	pendingComplaints     *PendingMessages
	pendingJustifications *PendingMessages
	pendingCommitments    *PendingMessages

	mu            sync.Mutex
	phase         QuorumPhase
	quorumHash    chain.Hash
	quorumHeight  int32
	currentHeight int32
	session       *Session
	onPhaseChange func(QuorumPhase)

	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
}

// NewSessionHandler creates the handler for one quorum type. candidates is
// the full set of nodes eligible for selection and memberKeys their
// long-term DKG public keys. Constructing a handler for an undefined
// quorum type panics, since that is a configuration defect.
func NewSessionHandler(t quorum.Type, view chain.View, registry *quorum.Registry,
	sender Sender, self string, longterm kyber.Scalar,
	memberKeys map[string]kyber.Point, candidates []string, logger hclog.Logger) *SessionHandler {

	params := quorum.GetParams(t)
	return &SessionHandler{
		logger:                logger.Named(params.Name),
		params:                params,
		view:                  view,
		registry:              registry,
		sender:                sender,
		self:                  self,
		longterm:              longterm,
		memberKeys:            memberKeys,
		candidates:            candidates,
		pendingContributions:  NewPendingMessages(params.MaxMessagesPerNode()),
		pendingComplaints:     NewPendingMessages(params.MaxMessagesPerNode()),
		pendingJustifications: NewPendingMessages(params.MaxMessagesPerNode()),
		pendingCommitments:    NewPendingMessages(params.MaxMessagesPerNode()),
		phase:                 PhaseNone,
		pollInterval:          defaultPollInterval,
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}
}

// StartThread launches the handler's dedicated phase thread.
func (h *SessionHandler) StartThread() {
	h.startOnce.Do(func() {
		go h.phaseHandlerThread()
	})
}

// StopThread requests shutdown and blocks until the thread has exited.
func (h *SessionHandler) StopThread() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	<-h.doneCh
}

// ProcessMessage stages a raw peer message for the queue matching its
// kind. It never blocks and never deserializes; this is the only coupling
// to the network dispatch path. Returns whether the message was accepted.
func (h *SessionHandler) ProcessMessage(sender string, kind MessageKind, payload []byte) bool {
	switch kind {
	case KindContribution:
		return h.pendingContributions.Push(sender, payload)
	case KindComplaint:
		return h.pendingComplaints.Push(sender, payload)
	case KindJustification:
		return h.pendingJustifications.Push(sender, payload)
	case KindPrematureCommitment:
		return h.pendingCommitments.Push(sender, payload)
	default:
		h.logger.Warn("dropping message of unknown kind", "kind", int(kind), "sender", sender)
		return false
	}
}

// Phase returns the current phase.
func (h *SessionHandler) Phase() QuorumPhase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// OnPhaseChange registers a callback invoked on every phase transition,
// on the handler thread. Set it before StartThread.
func (h *SessionHandler) OnPhaseChange(fn func(QuorumPhase)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPhaseChange = fn
}

// QuorumHash returns the identity of the session being driven.
func (h *SessionHandler) QuorumHash() chain.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quorumHash
}

// QuorumHeight returns the formation height of the session being driven.
func (h *SessionHandler) QuorumHeight() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quorumHeight
}

func (h *SessionHandler) setPhase(p QuorumPhase) {
	h.mu.Lock()
	if h.phase == p {
		h.mu.Unlock()
		return
	}
	h.phase = p
	cb := h.onPhaseChange
	h.mu.Unlock()
	h.logger.Debug("phase changed", "phase", p.String())
	if cb != nil {
		cb(p)
	}
}

func (h *SessionHandler) currentSession() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *SessionHandler) phaseHandlerThread() {
	defer close(h.doneCh)
	h.logger.Info("quorum session handler started",
		"interval", h.params.DKGInterval, "size", h.params.Size, "threshold", h.params.Threshold)

	var prevQuorumHash chain.Hash
	for {
		bi, err := h.waitForNewQuorum(prevQuorumHash)
		if err != nil {
			return
		}
		prevQuorumHash = bi.Hash
		h.initNewQuorum(bi)

		err = h.handleDKGRound()
		h.clearQueues()
		h.setPhase(PhaseIdle)
		switch {
		case errors.Is(err, ErrStopped):
			return
		case errors.Is(err, ErrSessionSuperseded):
			h.logger.Debug("session abandoned", "quorum", prevQuorumHash.ShortString())
		case err != nil:
			h.logger.Error("dkg round failed", "quorum", prevQuorumHash.ShortString(), "error", err)
		}
	}
}

// waitForNewQuorum blocks until the active chain provides a quorum
// formation block different from the previous session's, polling with
// bounded sleeps so cancellation is observed quickly.
func (h *SessionHandler) waitForNewQuorum(old chain.Hash) (*chain.BlockIndex, error) {
	for {
		if tip := h.view.Tip(); tip != nil {
			boundary := tip.Height - tip.Height%h.params.DKGInterval
			if boundary > 0 {
				if bi, ok := h.view.AtHeight(boundary); ok && bi.Hash != old {
					return bi, nil
				}
			}
		}
		select {
		case <-h.stopCh:
			return nil, ErrStopped
		case <-time.After(h.pollInterval):
		}
	}
}

// initNewQuorum fixes the session identity from the formation block and
// constructs the session object.
func (h *SessionHandler) initNewQuorum(bi *chain.BlockIndex) {
	members := quorum.SelectMembers(h.candidates, bi.Hash, h.params.Size)

	var pubs []kyber.Point
	selected := false
	for _, m := range members {
		if m == h.self {
			selected = true
			break
		}
	}
	if selected {
		pubs = make([]kyber.Point, len(members))
		for i, m := range members {
			pub, ok := h.memberKeys[m]
			if !ok {
				h.logger.Error("selected member has no known DKG key, participating as observer", "member", m)
				pubs = nil
				break
			}
			pubs[i] = pub
		}
	}

	self := h.self
	if selected && pubs == nil {
		self = ""
	}
	session, err := NewSession(h.params, bi.Hash, bi.Height, members, self, h.longterm, pubs, h.logger)
	if err != nil {
		h.logger.Error("creating session failed, observing this round", "error", err)
		session, _ = NewSession(h.params, bi.Hash, bi.Height, members, "", nil, nil, h.logger)
	}

	tip := h.view.Tip()
	h.mu.Lock()
	h.session = session
	h.quorumHash = bi.Hash
	h.quorumHeight = bi.Height
	if tip != nil {
		h.currentHeight = tip.Height
	}
	h.mu.Unlock()
	h.setPhase(PhaseInitialized)
	h.logger.Info("initialized new quorum session",
		"quorum", bi.Hash.ShortString(), "height", bi.Height,
		"members", len(members), "member", session.IsMember())
}

type phaseStep struct {
	cur   QuorumPhase
	next  QuorumPhase
	start func()
	while func()
}

// handleDKGRound walks the whole phase sequence for the current session.
// Each step burns one phase window; the work of a phase runs on entry of
// its window and staged messages are drained throughout it.
func (h *SessionHandler) handleDKGRound() error {
	expected := h.QuorumHash()
	steps := []phaseStep{
		{PhaseInitialized, PhaseContribute, nil, nil},
		{PhaseContribute, PhaseComplain, h.startContribute, h.drainContributions},
		{PhaseComplain, PhaseJustify, h.startComplain, h.drainComplaints},
		{PhaseJustify, PhaseCommit, h.startJustify, h.drainJustifications},
		{PhaseCommit, PhaseFinalize, h.startCommit, h.drainCommitments},
		{PhaseFinalize, PhaseIdle, h.finalizeTick, h.finalizeTick},
	}
	for _, st := range steps {
		if err := h.handlePhase(st, expected); err != nil {
			return err
		}
	}
	return nil
}

// handlePhase runs one phase window: jitter sleep, the phase action, then
// the wait loop draining messages until the window closes.
func (h *SessionHandler) handlePhase(st phaseStep, expected chain.Hash) error {
	if got := h.Phase(); got != st.cur {
		return fmt.Errorf("expected phase %s, have %s", st.cur, got)
	}
	deadline := time.Now().Add(h.params.PhaseDuration)
	if err := h.sleepBeforePhase(); err != nil {
		return err
	}
	if st.start != nil {
		st.start()
	}
	if err := h.waitForNextPhase(st, expected, deadline); err != nil {
		return err
	}
	h.setPhase(st.next)
	return nil
}

// sleepBeforePhase desynchronizes phase work across the network: every
// member sleeps a random fraction of the phase window before broadcasting,
// spreading the burst that would otherwise hit all peers at once.
func (h *SessionHandler) sleepBeforePhase() error {
	d := time.Duration(rand.Float64() * h.params.JitterFactor * float64(h.params.PhaseDuration))
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.stopCh:
		return ErrStopped
	case <-timer.C:
		return nil
	}
}

// waitForNextPhase blocks until the phase window closes, invoking the
// step's drain function every tick. The wait aborts as soon as the block
// that fixed this session's quorum is no longer part of the active chain.
func (h *SessionHandler) waitForNextPhase(st phaseStep, expected chain.Hash, deadline time.Time) error {
	for {
		if h.isSuperseded(expected) {
			return ErrSessionSuperseded
		}
		if st.while != nil {
			st.while()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := h.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-h.stopCh:
			return ErrStopped
		case <-time.After(wait):
		}
	}
}

func (h *SessionHandler) isSuperseded(expected chain.Hash) bool {
	bi, ok := h.view.AtHeight(h.QuorumHeight())
	return !ok || bi.Hash != expected
}

func (h *SessionHandler) startContribute() {
	msg, err := h.currentSession().Contribution()
	if err != nil {
		h.logger.Error("building contribution failed", "error", err)
		return
	}
	if msg != nil {
		h.sender.SendContribution(msg)
	}
}

func (h *SessionHandler) drainContributions() {
	sess := h.currentSession()
	for _, m := range PopAndDeserialize[ContributionMsg, *ContributionMsg](h.pendingContributions, msgBatchSize) {
		sess.ProcessContribution(m.Sender, m.Msg)
	}
}

func (h *SessionHandler) startComplain() {
	msg, err := h.currentSession().Complaints()
	if err != nil {
		h.logger.Error("building complaints failed", "error", err)
		return
	}
	if msg != nil {
		h.sender.SendComplaint(msg)
	}
}

func (h *SessionHandler) drainComplaints() {
	sess := h.currentSession()
	for _, m := range PopAndDeserialize[ComplaintMsg, *ComplaintMsg](h.pendingComplaints, msgBatchSize) {
		sess.ProcessComplaint(m.Sender, m.Msg)
	}
}

func (h *SessionHandler) startJustify() {
	msg, err := h.currentSession().Justifications()
	if err != nil {
		h.logger.Error("building justifications failed", "error", err)
		return
	}
	if msg != nil {
		h.sender.SendJustification(msg)
	}
}

func (h *SessionHandler) drainJustifications() {
	sess := h.currentSession()
	for _, m := range PopAndDeserialize[JustificationMsg, *JustificationMsg](h.pendingJustifications, msgBatchSize) {
		sess.ProcessJustification(m.Sender, m.Msg)
	}
}

func (h *SessionHandler) startCommit() {
	msg, err := h.currentSession().ProposeCommitment()
	if err != nil {
		// Other members may still certify; keep collecting their
		// commitments for the rest of the round.
		h.logger.Warn("cannot propose commitment", "error", err)
		return
	}
	if msg != nil {
		h.sender.SendPrematureCommitment(msg)
	}
}

func (h *SessionHandler) drainCommitments() {
	sess := h.currentSession()
	for _, m := range PopAndDeserialize[PrematureCommitmentMsg, *PrematureCommitmentMsg](h.pendingCommitments, msgBatchSize) {
		sess.ProcessPrematureCommitment(m.Sender, m.Msg)
	}
}

func (h *SessionHandler) finalizeTick() {
	h.drainCommitments()
	fc, ownShare, err := h.currentSession().TryFinalize()
	if err != nil {
		h.logger.Error("finalizing quorum failed", "error", err)
		return
	}
	if fc == nil {
		return
	}
	if _, err := h.registry.AddCommitment(fc, ownShare); err != nil {
		h.logger.Error("registering quorum commitment failed", "error", err)
		return
	}
	h.sender.SendFinalCommitment(fc)
}

func (h *SessionHandler) clearQueues() {
	h.pendingContributions.Clear()
	h.pendingComplaints.Clear()
	h.pendingJustifications.Clear()
	h.pendingCommitments.Clear()
}
