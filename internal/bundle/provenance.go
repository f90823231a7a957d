package bundle

import (
	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/eventchain"
	"github.com/settld/bundleverify/internal/verrors"
)

var settlementTypes = map[string]bool{
	"SETTLEMENT_HELD":      true,
	"SETTLEMENT_RELEASED":  true,
	"SETTLED":              true,
	"SETTLEMENT_FORFEITED": true,
}

// checkProvenanceRefs implements spec.md §4.11a: every settlement event's
// referenced decision event must exist, and that decision's referenced
// proof-evaluation event must exist with matching identity fields; the
// proof's declared factsHash must still canonicalize from the event
// stream up to (excluding) the decision event.
func checkProvenanceRefs(events []eventchain.Event) error {
	byID := make(map[string]eventchain.Event, len(events))
	indexOf := make(map[string]int, len(events))
	for i, ev := range events {
		byID[ev.ID] = ev
		indexOf[ev.ID] = i
	}

	for _, ev := range events {
		if !settlementTypes[ev.Type] {
			continue
		}

		decisionID, _ := ev.Payload["decisionEventId"].(string)
		if decisionID == "" {
			return verrors.New("PROVENANCE_DECISION_REF_MISSING").WithPath(ev.ID)
		}
		decision, ok := byID[decisionID]
		if !ok || decision.Type != "DECISION_RECORDED" {
			return verrors.New("PROVENANCE_DECISION_REF_UNRESOLVED").WithPath(ev.ID).WithDetail(decisionID)
		}

		proofID, _ := decision.Payload["proofEventId"].(string)
		if proofID == "" {
			return verrors.New("PROVENANCE_PROOF_REF_MISSING").WithPath(decision.ID)
		}
		proof, ok := byID[proofID]
		if !ok || proof.Type != "PROOF_EVALUATED" {
			return verrors.New("PROVENANCE_PROOF_REF_UNRESOLVED").WithPath(decision.ID).WithDetail(proofID)
		}

		if err := matchProvenanceFields(decision, proof); err != nil {
			return err.WithPath(decision.ID)
		}

		if err := checkFactsHashFreshness(events[:indexOf[decision.ID]], proof); err != nil {
			return err.WithPath(proof.ID)
		}
	}

	return nil
}

func matchProvenanceFields(decision, proof eventchain.Event) *verrors.Error {
	for _, field := range []string{"evaluationId", "factsHash", "status"} {
		dv, dok := decision.Payload[field]
		pv, pok := proof.Payload[field]
		if !dok || !pok || dv != pv {
			return verrors.New("PROVENANCE_FIELD_MISMATCH").WithDetail(field)
		}
	}
	evaluatedAtChainHash, _ := decision.Payload["evaluatedAtChainHash"].(string)
	if evaluatedAtChainHash != proof.ChainHash {
		return verrors.New("PROVENANCE_FIELD_MISMATCH").WithDetail("evaluatedAtChainHash")
	}
	return nil
}

// checkFactsHashFreshness recomputes ZoneCoverageFacts.v1 from the zone
// entry/exit events preceding decision and requires it to canonicalize
// to the same factsHash the proof declared.
func checkFactsHashFreshness(precedingEvents []eventchain.Event, proof eventchain.Event) *verrors.Error {
	declared, _ := proof.Payload["factsHash"].(string)
	if declared == "" {
		return verrors.New("PROVENANCE_FACTS_HASH_MISSING")
	}

	var zoneEvents []map[string]any
	for _, ev := range precedingEvents {
		if ev.Type != "ZONE_ENTERED" && ev.Type != "ZONE_EXITED" {
			continue
		}
		zoneEvents = append(zoneEvents, map[string]any{
			"id": ev.ID, "at": ev.At, "type": ev.Type, "payload": ev.Payload,
		})
	}

	facts := map[string]any{
		"schemaVersion": "ZoneCoverageFacts.v1",
		"events":        zoneEvents,
	}
	recomputed, err := canonical.HashHex(facts)
	if err != nil {
		return verrors.New("PROVENANCE_FACTS_HASH_COMPUTE_FAILED").WithCause(err)
	}
	if recomputed != declared {
		return verrors.New("PROVENANCE_FACTS_HASH_STALE").
			WithDetail(map[string]string{"want": declared, "got": recomputed})
	}
	return nil
}
