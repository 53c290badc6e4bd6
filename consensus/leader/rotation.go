package leader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

const UnknownLeader = ""

var (
	// ErrInvalidRegion is returned when a region name is not part of the
	// rotation the selector was constructed with.
	ErrInvalidRegion = errors.New("unknown region")
	// ErrInvalidValidator is returned for malformed validator identifiers.
	ErrInvalidValidator = errors.New("invalid validator")
)

/*
RegionRotation selects round leaders by rotating over a fixed, ordered list
of regions, each holding a registration-ordered list of validators. All
mutable state (the registry and the rotation cursor) lives behind a single
mutex owned by this struct, callers never coordinate locking among
themselves.

The rotation order and the per-region registration order are both part of
the selection outcome, so every node of a network must be constructed with
the same region list and observe announcements in the same order to agree
on leaders.
*/
type RegionRotation struct {
	mu       sync.Mutex
	rotation []string
	byRegion map[string][]peer.ID
	cursor   int
}

// NewRegionRotation returns a leader selector rotating over the given
// regions in the given order.
func NewRegionRotation(rotation []string) (*RegionRotation, error) {
	if len(rotation) == 0 {
		return nil, errors.New("empty region rotation list")
	}
	byRegion := make(map[string][]peer.ID, len(rotation))
	for _, region := range rotation {
		if region == "" {
			return nil, errors.New("empty region name in the rotation list")
		}
		if _, ok := byRegion[region]; ok {
			return nil, fmt.Errorf("duplicate region %q in the rotation list", region)
		}
		byRegion[region] = nil
	}
	return &RegionRotation{
		rotation: append([]string(nil), rotation...),
		byRegion: byRegion,
	}, nil
}

/*
Register adds the validator to the given region. A validator is a member of
at most one region: registering an already known validator moves it to the
given region, re-registering it in its current region keeps its original
position. Unknown regions are rejected with ErrInvalidRegion.
*/
func (r *RegionRotation) Register(region string, validator peer.ID) error {
	if validator == UnknownLeader {
		return fmt.Errorf("empty identifier: %w", ErrInvalidValidator)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	validators, ok := r.byRegion[region]
	if !ok {
		return fmt.Errorf("region %q: %w", region, ErrInvalidRegion)
	}
	for _, v := range validators {
		if v == validator {
			return nil
		}
	}
	for other := range r.byRegion {
		if other != region {
			r.byRegion[other] = remove(r.byRegion[other], validator)
		}
	}
	r.byRegion[region] = append(validators, validator)
	return nil
}

// Remove deregisters the validator from the given region. Removing an
// absent validator is a no-op, an unknown region is rejected.
func (r *RegionRotation) Remove(region string, validator peer.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	validators, ok := r.byRegion[region]
	if !ok {
		return fmt.Errorf("region %q: %w", region, ErrInvalidRegion)
	}
	r.byRegion[region] = remove(validators, validator)
	return nil
}

/*
Leader returns the leader of the given round. Starting at the rotation
cursor it scans at most once around the region list for the first region
with registered validators and picks validators[round mod count] there. The
cursor moves past every examined region, so consecutive calls continue the
rotation from where the previous call stopped and empty regions are skipped
without stalling it. Returns false only when every region is empty.

The seed parameter is reserved for randomized selection and is currently
not used.
*/
func (r *RegionRotation) Leader(round uint64, seed uint64) (peer.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.rotation); i++ {
		region := r.rotation[r.cursor]
		r.cursor = (r.cursor + 1) % len(r.rotation)
		if validators := r.byRegion[region]; len(validators) > 0 {
			return validators[round%uint64(len(validators))], true
		}
	}
	return UnknownLeader, false
}

// Participants returns all registered validators in region rotation order,
// registration order within a region. Returns nil when the registry is
// empty. The round parameter is accepted for interface symmetry with
// Leader, the participant set does not depend on it.
func (r *RegionRotation) Participants(round uint64) []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flatten()
}

// IsParticipant returns the candidate's position in the flattened
// participant list, or false if the candidate is not registered.
func (r *RegionRotation) IsParticipant(round uint64, candidate peer.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, v := range r.flatten() {
		if v == candidate {
			return i, true
		}
	}
	return 0, false
}

// Rotation returns the region list the selector was constructed with.
func (r *RegionRotation) Rotation() []string {
	return append([]string(nil), r.rotation...)
}

// flatten must be called with the mutex held. Registration keeps every
// validator in exactly one region, so the flattened list is free of
// duplicates.
func (r *RegionRotation) flatten() []peer.ID {
	var all []peer.ID
	for _, region := range r.rotation {
		all = append(all, r.byRegion[region]...)
	}
	return all
}

func remove(validators []peer.ID, validator peer.ID) []peer.ID {
	kept := validators[:0]
	for _, v := range validators {
		if v != validator {
			kept = append(kept, v)
		}
	}
	return kept
}
