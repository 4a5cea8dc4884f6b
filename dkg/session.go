package dkg

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	pedersen "go.dedis.ch/kyber/v3/share/dkg/pedersen"

	"github.com/gitzhang10/LLMQ/chain"
	"github.com/gitzhang10/LLMQ/quorum"
	"github.com/gitzhang10/LLMQ/sign"
)

// Session is one quorum formation attempt, identified by its quorum hash.
// It wraps the underlying key generator and turns raw peer messages into
// generator calls, attributing every invalid input to its sender.
//
// All methods except MisbehaviorScore are confined to the owning handler's
// thread; the session needs no internal locking for protocol state.
type Session struct {
	logger       hclog.Logger
	params       quorum.Params
	quorumHash   chain.Hash
	quorumHeight int32
	members      []string
	self         string
	myIndex      int // -1 when this node is not a member

	gen *pedersen.DistKeyGenerator // nil for non-members

	responses      []*pedersen.Response
	justifications []*pedersen.Justification

	// commitments groups premature commitments by commitment hash; the
	// variant gathering threshold many shares becomes the final one.
	commitments map[chain.Hash]*commitmentVotes

	dks       *pedersen.DistKeyShare
	proposed  *PrematureCommitmentMsg
	finalized bool

	misMu       sync.Mutex
	misbehavior map[string]int
}

type commitmentVotes struct {
	msg      *PrematureCommitmentMsg
	partials map[int][]byte
}

// NewSession creates a session for the given quorum. members fixes the
// share-index order; memberPubs must hold each member's long-term DKG
// public key in the same order. A node outside the member set gets an
// observing session that can still assemble the final commitment from the
// members' premature commitments.
func NewSession(params quorum.Params, quorumHash chain.Hash, quorumHeight int32,
	members []string, self string, longterm kyber.Scalar, memberPubs []kyber.Point,
	logger hclog.Logger) (*Session, error) {

	s := &Session{
		logger:       logger,
		params:       params,
		quorumHash:   quorumHash,
		quorumHeight: quorumHeight,
		members:      members,
		self:         self,
		myIndex:      -1,
		commitments:  make(map[chain.Hash]*commitmentVotes),
		misbehavior:  make(map[string]int),
	}
	for i, m := range members {
		if m == self {
			s.myIndex = i
			break
		}
	}
	if s.myIndex >= 0 {
		if len(memberPubs) != len(members) {
			return nil, fmt.Errorf("have %d member keys for %d members", len(memberPubs), len(members))
		}
		gen, err := pedersen.NewDistKeyGenerator(sign.DKGSuite(), longterm, memberPubs, params.Threshold)
		if err != nil {
			return nil, fmt.Errorf("creating key generator: %w", err)
		}
		s.gen = gen
	}
	return s, nil
}

// IsMember reports whether this node participates in the key generation.
func (s *Session) IsMember() bool { return s.myIndex >= 0 }

// QuorumHash returns the session identity.
func (s *Session) QuorumHash() chain.Hash { return s.quorumHash }

// Height returns the quorum formation height.
func (s *Session) Height() int32 { return s.quorumHeight }

// Members returns the selected members in share-index order.
func (s *Session) Members() []string { return s.members }

func (s *Session) memberIndex(name string) int {
	for i, m := range s.members {
		if m == name {
			return i
		}
	}
	return -1
}

// flagMisbehavior scores a member for an invalid input. Scores feed the
// reputation layer; they never abort the session.
func (s *Session) flagMisbehavior(name, reason string) {
	s.misMu.Lock()
	s.misbehavior[name]++
	s.misMu.Unlock()
	s.logger.Warn("flagging quorum member for misbehavior",
		"quorum", s.quorumHash.ShortString(), "member", name, "reason", reason)
}

// MisbehaviorScore returns how many invalid inputs a member produced.
// Safe to call from outside the handler thread.
func (s *Session) MisbehaviorScore(name string) int {
	s.misMu.Lock()
	defer s.misMu.Unlock()
	return s.misbehavior[name]
}

// checkSender validates sender attribution shared by all Process methods.
// Returns the sender's member index, or -1 when the message must be
// ignored. A nil msg means the payload failed to deserialize upstream; the
// sender is scored and the message dropped.
func (s *Session) checkSender(sender string, quorumHash *chain.Hash, what string) int {
	if sender == s.self {
		return -1
	}
	idx := s.memberIndex(sender)
	if idx < 0 {
		s.flagMisbehavior(sender, what+" from non-member")
		return -1
	}
	if quorumHash == nil {
		s.flagMisbehavior(sender, "undeserializable "+what)
		return -1
	}
	if *quorumHash != s.quorumHash {
		s.flagMisbehavior(sender, what+" for a different quorum")
		return -1
	}
	return idx
}

// Contribution builds this member's encrypted deals for broadcast. Returns
// nil for non-members.
func (s *Session) Contribution() (*ContributionMsg, error) {
	if s.gen == nil {
		return nil, nil
	}
	deals, err := s.gen.Deals()
	if err != nil {
		return nil, fmt.Errorf("building deals: %w", err)
	}
	msg := &ContributionMsg{
		QuorumType: uint8(s.params.Type),
		QuorumHash: s.quorumHash,
		Deals:      make(map[uint32][]byte, len(deals)),
	}
	for receiver, deal := range deals {
		raw, err := encodeDeal(deal)
		if err != nil {
			return nil, fmt.Errorf("encoding deal for member %d: %w", receiver, err)
		}
		msg.Deals[uint32(receiver)] = raw
	}
	s.logger.Debug("built contribution", "quorum", s.quorumHash.ShortString(), "deals", len(msg.Deals))
	return msg, nil
}

// ProcessContribution feeds a member's contribution into the generator and
// queues this node's verdict for the complain phase.
func (s *Session) ProcessContribution(sender string, msg *ContributionMsg) {
	var qh *chain.Hash
	if msg != nil {
		qh = &msg.QuorumHash
	}
	senderIdx := s.checkSender(sender, qh, "contribution")
	if senderIdx < 0 || s.gen == nil {
		return
	}
	raw, ok := msg.Deals[uint32(s.myIndex)]
	if !ok {
		s.flagMisbehavior(sender, "contribution carries no deal for us")
		return
	}
	deal, err := decodeDeal(raw)
	if err != nil {
		s.flagMisbehavior(sender, "undecodable deal")
		return
	}
	if deal.Index != uint32(senderIdx) {
		s.flagMisbehavior(sender, "deal index does not match sender")
		return
	}
	resp, err := s.gen.ProcessDeal(deal)
	if err != nil {
		s.flagMisbehavior(sender, fmt.Sprintf("invalid deal: %v", err))
		return
	}
	s.responses = append(s.responses, resp)
}

// Complaints builds the batch of verdicts on all deals processed so far,
// complaints and approvals alike. Returns nil when there is nothing to say.
func (s *Session) Complaints() (*ComplaintMsg, error) {
	if s.gen == nil || len(s.responses) == 0 {
		return nil, nil
	}
	msg := &ComplaintMsg{
		QuorumType: uint8(s.params.Type),
		QuorumHash: s.quorumHash,
	}
	complaints := 0
	for _, resp := range s.responses {
		raw, err := encodeResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("encoding response: %w", err)
		}
		msg.Responses = append(msg.Responses, raw)
		if !resp.Response.Status {
			complaints++
		}
	}
	if complaints > 0 {
		s.logger.Info("complaining about invalid contributions",
			"quorum", s.quorumHash.ShortString(), "complaints", complaints)
	}
	return msg, nil
}

// ProcessComplaint feeds a member's verdicts into the generator. When a
// complaint targets this node's own deal, the generator produces a
// justification that is queued for the justify phase.
func (s *Session) ProcessComplaint(sender string, msg *ComplaintMsg) {
	var qh *chain.Hash
	if msg != nil {
		qh = &msg.QuorumHash
	}
	senderIdx := s.checkSender(sender, qh, "complaint")
	if senderIdx < 0 || s.gen == nil {
		return
	}
	for _, raw := range msg.Responses {
		resp, err := decodeResponse(raw)
		if err != nil {
			s.flagMisbehavior(sender, "undecodable response")
			continue
		}
		if resp.Response == nil || resp.Response.Index != uint32(senderIdx) {
			s.flagMisbehavior(sender, "response index does not match sender")
			continue
		}
		just, err := s.gen.ProcessResponse(resp)
		if err != nil {
			s.flagMisbehavior(sender, fmt.Sprintf("invalid response: %v", err))
			continue
		}
		if just != nil {
			s.justifications = append(s.justifications, just)
		}
	}
}

// Justifications builds this member's answers to complaints against its
// deals. Returns nil when no complaints were received.
func (s *Session) Justifications() (*JustificationMsg, error) {
	if s.gen == nil || len(s.justifications) == 0 {
		return nil, nil
	}
	msg := &JustificationMsg{
		QuorumType: uint8(s.params.Type),
		QuorumHash: s.quorumHash,
	}
	for _, just := range s.justifications {
		raw, err := encodeJustification(just)
		if err != nil {
			return nil, fmt.Errorf("encoding justification: %w", err)
		}
		msg.Justifications = append(msg.Justifications, raw)
	}
	s.logger.Info("justifying contested deals",
		"quorum", s.quorumHash.ShortString(), "justifications", len(msg.Justifications))
	return msg, nil
}

// ProcessJustification feeds an accused dealer's justifications into the
// generator, which re-validates the revealed shares.
func (s *Session) ProcessJustification(sender string, msg *JustificationMsg) {
	var qh *chain.Hash
	if msg != nil {
		qh = &msg.QuorumHash
	}
	senderIdx := s.checkSender(sender, qh, "justification")
	if senderIdx < 0 || s.gen == nil {
		return
	}
	for _, raw := range msg.Justifications {
		just, err := decodeJustification(raw)
		if err != nil {
			s.flagMisbehavior(sender, "undecodable justification")
			continue
		}
		if just.Index != uint32(senderIdx) {
			s.flagMisbehavior(sender, "justification index does not match sender")
			continue
		}
		if err := s.gen.ProcessJustification(just); err != nil {
			s.flagMisbehavior(sender, fmt.Sprintf("invalid justification: %v", err))
		}
	}
}

// commitmentSkeleton rebuilds the commitment a premature commitment's hash
// and signature refer to.
func (s *Session) commitmentSkeleton(validMembers []bool, quorumPublicKey []byte) *quorum.FinalCommitment {
	return &quorum.FinalCommitment{
		QuorumType:      s.params.Type,
		QuorumHash:      s.quorumHash,
		QuorumHeight:    s.quorumHeight,
		Members:         s.members,
		ValidMembers:    validMembers,
		QuorumPublicKey: quorumPublicKey,
	}
}

// ProposeCommitment closes out the pairwise phases, extracts this member's
// key share, and builds the premature commitment to broadcast. Fails when
// too few members survived to certify the session.
func (s *Session) ProposeCommitment() (*PrematureCommitmentMsg, error) {
	if s.gen == nil {
		return nil, nil
	}
	if s.proposed != nil {
		return s.proposed, nil
	}
	// Treat members that never responded as complainers so the qualified
	// set is final before extracting shares.
	s.gen.SetTimeout()
	if !s.gen.Certified() {
		return nil, fmt.Errorf("session not certified, %d qualified members with threshold %d",
			len(s.gen.QUAL()), s.params.Threshold)
	}
	dks, err := s.gen.DistKeyShare()
	if err != nil {
		return nil, fmt.Errorf("extracting key share: %w", err)
	}
	s.dks = dks

	valid := make([]bool, len(s.members))
	for _, i := range s.gen.QUAL() {
		valid[i] = true
	}
	pubPoly := share.NewPubPoly(sign.DKGSuite().G2(), sign.DKGSuite().G2().Point().Base(), dks.Commits)
	encodedPub, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		return nil, fmt.Errorf("encoding quorum public key: %w", err)
	}
	hash := s.commitmentSkeleton(valid, encodedPub).CommitmentHash()
	msg := &PrematureCommitmentMsg{
		QuorumType:      uint8(s.params.Type),
		QuorumHash:      s.quorumHash,
		ValidMembers:    valid,
		QuorumPublicKey: encodedPub,
		PartialSig:      sign.SignTSPartial(dks.Share, hash.Bytes()),
	}
	s.proposed = msg
	s.collectCommitment(s.myIndex, hash, msg)
	s.logger.Info("proposing quorum commitment",
		"quorum", s.quorumHash.ShortString(), "valid-members", len(s.gen.QUAL()))
	return msg, nil
}

// ProcessPrematureCommitment validates and collects a member's commitment.
// The signature share is checked against the public key the commitment
// itself claims; agreement is established by grouping on commitment hash.
func (s *Session) ProcessPrematureCommitment(sender string, msg *PrematureCommitmentMsg) {
	var qh *chain.Hash
	if msg != nil {
		qh = &msg.QuorumHash
	}
	senderIdx := s.checkSender(sender, qh, "commitment")
	if senderIdx < 0 {
		return
	}
	if len(msg.ValidMembers) != len(s.members) {
		s.flagMisbehavior(sender, "commitment bitmap does not cover the member set")
		return
	}
	if !msg.ValidMembers[senderIdx] {
		s.flagMisbehavior(sender, "commitment excludes its own sender")
		return
	}
	pubPoly, err := sign.DecodeTSPublicKey(msg.QuorumPublicKey)
	if err != nil {
		s.flagMisbehavior(sender, "commitment carries an undecodable public key")
		return
	}
	idx, err := sign.TSPartialIndex(msg.PartialSig)
	if err != nil || idx != senderIdx {
		s.flagMisbehavior(sender, "commitment share index does not match sender")
		return
	}
	hash := s.commitmentSkeleton(msg.ValidMembers, msg.QuorumPublicKey).CommitmentHash()
	if err := sign.VerifyTSPartial(pubPoly, hash.Bytes(), msg.PartialSig); err != nil {
		s.flagMisbehavior(sender, "commitment signature share does not verify")
		return
	}
	s.collectCommitment(senderIdx, hash, msg)
}

func (s *Session) collectCommitment(memberIdx int, hash chain.Hash, msg *PrematureCommitmentMsg) {
	votes, ok := s.commitments[hash]
	if !ok {
		votes = &commitmentVotes{msg: msg, partials: make(map[int][]byte)}
		s.commitments[hash] = votes
	}
	if _, dup := votes.partials[memberIdx]; !dup {
		votes.partials[memberIdx] = msg.PartialSig
	}
}

// TryFinalize assembles the final commitment once some commitment variant
// has gathered threshold many signature shares. It returns (nil, nil, nil)
// while the threshold is not reached, and this node's key share alongside
// the commitment when it is. Observers finalize with a nil share.
func (s *Session) TryFinalize() (*quorum.FinalCommitment, *share.PriShare, error) {
	if s.finalized {
		return nil, nil, nil
	}
	for hash, votes := range s.commitments {
		if len(votes.partials) < s.params.Threshold {
			continue
		}
		pubPoly, err := sign.DecodeTSPublicKey(votes.msg.QuorumPublicKey)
		if err != nil {
			return nil, nil, err
		}
		partials := make([][]byte, 0, len(votes.partials))
		signers := make([]bool, len(s.members))
		for idx, partial := range votes.partials {
			partials = append(partials, partial)
			signers[idx] = true
		}
		sig, err := sign.RecoverTS(partials, pubPoly, hash.Bytes(), s.params.Threshold, len(s.members))
		if err != nil {
			return nil, nil, fmt.Errorf("recovering quorum signature: %w", err)
		}
		fc := s.commitmentSkeleton(votes.msg.ValidMembers, votes.msg.QuorumPublicKey)
		fc.Signers = signers
		fc.QuorumSig = sig
		if err := fc.Verify(s.params); err != nil {
			return nil, nil, fmt.Errorf("assembled commitment does not verify: %w", err)
		}
		s.finalized = true

		var own *share.PriShare
		if s.dks != nil {
			own = s.dks.Share
		}
		s.logger.Info("quorum commitment finalized",
			"quorum", s.quorumHash.ShortString(), "height", s.quorumHeight,
			"signers", len(partials), "member", own != nil)
		return fc, own, nil
	}
	return nil, nil, nil
}
