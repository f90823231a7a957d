package governance

import (
	"time"

	"github.com/settld/bundleverify/internal/eventchain"
)

// DeriveServerKeyTimelineFromGovernanceEvents consumes a governance
// event stream's SERVER_SIGNER_KEY_{REGISTERED,ROTATED,REVOKED} payloads
// and tracks the earliest validFrom/rotatedAt/revokedAt per keyId. Any
// keyId observed in the stream is server-governed.
func DeriveServerKeyTimelineFromGovernanceEvents(events []eventchain.Event) (map[string]Timeline, map[string]bool) {
	timelines := make(map[string]Timeline)
	governed := make(map[string]bool)

	for _, ev := range events {
		keyID, _ := ev.Payload["keyId"].(string)
		if keyID == "" {
			continue
		}
		governed[keyID] = true
		tl := timelines[keyID]

		switch ev.Type {
		case "SERVER_SIGNER_KEY_REGISTERED":
			at := payloadTimeOrEventAt(ev, "validFrom")
			if tl.ValidFrom == nil || at.Before(*tl.ValidFrom) {
				tl.ValidFrom = &at
			}
		case "SERVER_SIGNER_KEY_ROTATED":
			at := payloadTimeOrEventAt(ev, "rotatedAt")
			if tl.RotatedAt == nil || at.Before(*tl.RotatedAt) {
				tl.RotatedAt = &at
			}
		case "SERVER_SIGNER_KEY_REVOKED":
			at := payloadTimeOrEventAt(ev, "revokedAt")
			if tl.RevokedAt == nil || at.Before(*tl.RevokedAt) {
				tl.RevokedAt = &at
			}
		}

		timelines[keyID] = tl
	}

	return timelines, governed
}

func payloadTimeOrEventAt(ev eventchain.Event, field string) time.Time {
	if raw, ok := ev.Payload[field].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return ev.At
}

// ApplyTimelines folds timeline rows (earliest-wins per field, matching
// DeriveKeyTimelineFromRevocationList's tie-break) onto a bundle's key
// metadata, marking any governed keyId as serverGoverned.
func ApplyTimelines(keys map[string]eventchain.KeyMeta, timelines map[string]Timeline, governed map[string]bool) map[string]eventchain.KeyMeta {
	out := make(map[string]eventchain.KeyMeta, len(keys))
	for id, meta := range keys {
		out[id] = meta
	}

	for id, tl := range timelines {
		meta, ok := out[id]
		if !ok {
			continue
		}
		if tl.ValidFrom != nil && (meta.ValidFrom == nil || tl.ValidFrom.Before(*meta.ValidFrom)) {
			meta.ValidFrom = tl.ValidFrom
		}
		if tl.RotatedAt != nil && (meta.RotatedAt == nil || tl.RotatedAt.Before(*meta.RotatedAt)) {
			meta.RotatedAt = tl.RotatedAt
		}
		if tl.RevokedAt != nil && (meta.RevokedAt == nil || tl.RevokedAt.Before(*meta.RevokedAt)) {
			meta.RevokedAt = tl.RevokedAt
		}
		out[id] = meta
	}

	for id, isGoverned := range governed {
		if !isGoverned {
			continue
		}
		meta, ok := out[id]
		if !ok {
			continue
		}
		meta.ServerGoverned = true
		out[id] = meta
	}

	return out
}
