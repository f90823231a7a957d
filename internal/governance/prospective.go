package governance

import (
	"time"

	"github.com/settld/bundleverify/internal/verrors"
)

// ProspectiveCheck implements spec.md §4.7's prospective-timeline
// enforcement: given a signer's derived timeline and the effective
// signing time (and whether that time is backed by a trusted timestamp
// proof), reject a rotation/revocation that had already taken effect by
// the signing time, and reject an unprovable signing time that falls
// before the boundary but can't be trusted not to be after it.
func ProspectiveCheck(tl Timeline, at time.Time, trustworthy bool) *verrors.Error {
	boundary, kind := earliestBoundary(tl)
	if boundary == nil {
		return nil
	}
	if !at.Before(*boundary) {
		return verrors.New(kind)
	}
	if !trustworthy {
		return verrors.New("SIGNING_TIME_UNPROVABLE")
	}
	return nil
}

func earliestBoundary(tl Timeline) (*time.Time, string) {
	switch {
	case tl.RevokedAt != nil && tl.RotatedAt != nil:
		if tl.RevokedAt.Before(*tl.RotatedAt) {
			return tl.RevokedAt, "SIGNER_REVOKED"
		}
		return tl.RotatedAt, "SIGNER_ROTATED"
	case tl.RevokedAt != nil:
		return tl.RevokedAt, "SIGNER_REVOKED"
	case tl.RotatedAt != nil:
		return tl.RotatedAt, "SIGNER_ROTATED"
	default:
		return nil, ""
	}
}
