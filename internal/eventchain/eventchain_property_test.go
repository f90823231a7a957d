//go:build property
// +build property

package eventchain

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/settld/bundleverify/internal/canonical"
)

// annotationTypes are event types requiring no signature (KindNone),
// letting generated chains of arbitrary length skip key material.
var annotationTypes = []string{"ANNOTATION_ADDED"}

// TestChainLinkageProperty is universal law 3: every accepted event
// stream satisfies events[i].prevChainHash == events[i-1].chainHash and
// events[i].chainHash == sha256(canonical({v:1, prevChainHash,
// payloadHash})), and breaking either link at any position is rejected.
func TestChainLinkageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a well-formed chain verifies, and any single broken link is rejected", prop.ForAll(
		func(length int) bool {
			if length == 0 {
				return true
			}
			types := make([]string, length)
			for i := range types {
				types[i] = annotationTypes[0]
			}
			events, material := buildChainNoSig(types)

			if err := Verify(events, material, map[string]KeyMeta{}, Options{Strict: false}); err != nil {
				return false
			}

			if length < 2 {
				return true
			}
			// Break the link at a deterministic, always-valid index.
			breakIdx := length / 2
			if breakIdx == 0 {
				breakIdx = 1
			}
			tamperedEvents := make([]Event, len(events))
			copy(tamperedEvents, events)
			bogus := "0000000000000000000000000000000000000000000000000000000000000000"[:64]
			tamperedEvents[breakIdx].PrevChainHash = &bogus

			err := Verify(tamperedEvents, material, map[string]KeyMeta{}, Options{Strict: false})
			return err != nil
		},
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}

// buildChainNoSig builds a chain of unsigned (KindNone) events, used by
// the property test to range over arbitrary chain lengths without
// needing key material in the generator.
func buildChainNoSig(types []string) ([]Event, []PayloadMaterial) {
	var events []Event
	var material []PayloadMaterial
	var prevChainHash *string
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, typ := range types {
		m := PayloadMaterial{
			V: 1, ID: "ev-" + string(rune('a'+i%26)) + string(rune('0'+i/26)), At: at, StreamID: "stream-1", Type: typ,
			Actor:   map[string]any{"kind": "server"},
			Payload: map[string]any{"i": i},
		}
		payloadHash, err := canonical.HashHex(map[string]any{
			"v": m.V, "id": m.ID, "at": m.At, "streamId": m.StreamID,
			"type": m.Type, "actor": m.Actor, "payload": m.Payload,
		})
		if err != nil {
			continue
		}
		chainHash, err := canonical.HashHex(map[string]any{
			"v": 1, "prevChainHash": prevChainHash, "payloadHash": payloadHash,
		})
		if err != nil {
			continue
		}
		ev := Event{
			V: m.V, ID: m.ID, At: m.At, StreamID: m.StreamID, Type: m.Type,
			Actor: m.Actor, Payload: m.Payload,
			PayloadHash: payloadHash, PrevChainHash: prevChainHash, ChainHash: chainHash,
		}
		events = append(events, ev)
		material = append(material, m)

		chainHashCopy := chainHash
		prevChainHash = &chainHashCopy
		at = at.Add(time.Hour)
	}
	return events, material
}

// TestSignerKindTotalityProperty is universal law 4: SignerKindForType
// is total over the closed event-type set and never silently succeeds
// for a type outside it.
func TestSignerKindTotalityProperty(t *testing.T) {
	knownTypes := make([]string, 0, len(signerKindByEventType))
	knownSet := make(map[string]bool, len(signerKindByEventType))
	for typ := range signerKindByEventType {
		knownTypes = append(knownTypes, typ)
		knownSet[typ] = true
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every known type resolves to one of the closed kinds", prop.ForAll(
		func(idx int) bool {
			typ := knownTypes[idx%len(knownTypes)]
			kind, ok := SignerKindForType(typ)
			if !ok {
				return false
			}
			switch kind {
			case KindRobot, KindOperator, KindRobotOrOperator, KindServerOrOperator, KindServerOrRobot, KindServer, KindNone:
				return true
			default:
				return false
			}
		},
		gen.IntRange(0, 10000),
	))

	properties.Property("a type outside the closed set is never silently accepted", prop.ForAll(
		func(suffix string) bool {
			typ := "UNKNOWN_EVENT_TYPE_" + suffix
			if knownSet[typ] {
				return true
			}
			_, ok := SignerKindForType(typ)
			return !ok
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
