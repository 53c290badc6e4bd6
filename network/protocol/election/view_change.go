// Package election defines the wire messages of the leader election round:
// a ViewChange solicits a LeaderProposal, participants answer proposals with
// LeaderVotes and the vote collector closes the round with a single
// LeaderAnnouncement. ValidatorAnnounce and ValidatorLeave maintain the
// region registry the election runs on.
//
// Validator identities travel as their string encoded form, receivers
// decode them back to peer identifiers and drop messages that do not parse.
package election

import "errors"

var ErrViewChangeIsNil = errors.New("view change is nil")

// ViewChange asks the network to agree on a leader for the given round.
type ViewChange struct {
	_     struct{} `cbor:",toarray"`
	Round uint64
}

func (v *ViewChange) IsValid() error {
	if v == nil {
		return ErrViewChangeIsNil
	}
	return nil
}
