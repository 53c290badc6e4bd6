package election

import "errors"

var (
	ErrValidatorAnnounceIsNil = errors.New("validator announce is nil")
	ErrValidatorLeaveIsNil    = errors.New("validator leave is nil")
	ErrMissingNodeID          = errors.New("missing node identifier")
	ErrMissingRegion          = errors.New("missing region")
)

// ValidatorAnnounce registers the node as a validator of the given region.
// Nodes broadcast it on startup and on region changes.
type ValidatorAnnounce struct {
	_      struct{} `cbor:",toarray"`
	NodeID string
	Region string
}

func (a *ValidatorAnnounce) IsValid() error {
	if a == nil {
		return ErrValidatorAnnounceIsNil
	}
	if a.NodeID == "" {
		return ErrMissingNodeID
	}
	if a.Region == "" {
		return ErrMissingRegion
	}
	return nil
}

// ValidatorLeave removes the node from the given region's validator list.
// Nodes broadcast it on orderly shutdown, receivers treat it as idempotent.
type ValidatorLeave struct {
	_      struct{} `cbor:",toarray"`
	NodeID string
	Region string
}

func (l *ValidatorLeave) IsValid() error {
	if l == nil {
		return ErrValidatorLeaveIsNil
	}
	if l.NodeID == "" {
		return ErrMissingNodeID
	}
	if l.Region == "" {
		return ErrMissingRegion
	}
	return nil
}
