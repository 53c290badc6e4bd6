package election

import "errors"

var (
	ErrLeaderProposalIsNil     = errors.New("leader proposal is nil")
	ErrLeaderVoteIsNil         = errors.New("leader vote is nil")
	ErrLeaderAnnouncementIsNil = errors.New("leader announcement is nil")
	ErrMissingCandidate        = errors.New("missing candidate identifier")
	ErrMissingLeader           = errors.New("missing leader identifier")
)

// LeaderProposal nominates a candidate as the leader of a round.
type LeaderProposal struct {
	_         struct{} `cbor:",toarray"`
	Round     uint64
	Candidate string
}

func (p *LeaderProposal) IsValid() error {
	if p == nil {
		return ErrLeaderProposalIsNil
	}
	if p.Candidate == "" {
		return ErrMissingCandidate
	}
	return nil
}

// LeaderVote endorses a proposed candidate. The voter is identified by the
// authenticated sender of the message, it is not part of the payload.
type LeaderVote struct {
	_         struct{} `cbor:",toarray"`
	Round     uint64
	Candidate string
}

func (v *LeaderVote) IsValid() error {
	if v == nil {
		return ErrLeaderVoteIsNil
	}
	if v.Candidate == "" {
		return ErrMissingCandidate
	}
	return nil
}

// LeaderAnnouncement declares the leader of a round after the candidate
// collected votes from a majority of participants.
type LeaderAnnouncement struct {
	_      struct{} `cbor:",toarray"`
	Round  uint64
	Leader string
}

func (a *LeaderAnnouncement) IsValid() error {
	if a == nil {
		return ErrLeaderAnnouncementIsNil
	}
	if a.Leader == "" {
		return ErrMissingLeader
	}
	return nil
}
