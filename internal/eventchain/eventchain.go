// Package eventchain verifies a stream of chained, optionally-signed
// events against an independent payload-material echo, signer-kind
// policy, and key usability windows. It never trusts a producer's own
// payloadHash or chainHash — both are always recomputed.
package eventchain

import (
	"time"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// Event is one entry of a bundle's events.jsonl stream.
type Event struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	At            time.Time      `json:"at"`
	StreamID      string         `json:"streamId"`
	Type          string         `json:"type"`
	Actor         any            `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payloadHash"`
	PrevChainHash *string        `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     string         `json:"signature,omitempty"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
}

// PayloadMaterial is the parallel echo stream used to verify
// payloadHash without trusting the producer.
type PayloadMaterial struct {
	V        int            `json:"v"`
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	StreamID string         `json:"streamId"`
	Type     string         `json:"type"`
	Actor    any            `json:"actor"`
	Payload  map[string]any `json:"payload"`
}

// KeyMeta is the lifecycle metadata for one keyId.
type KeyMeta struct {
	PublicKeyPEM   string
	Purpose        string
	ValidFrom      *time.Time
	ValidTo        *time.Time
	RotatedAt      *time.Time
	RevokedAt      *time.Time
	ServerGoverned bool
}

// DeclaredHead is an optional caller-supplied expectation for the
// last event in the stream.
type DeclaredHead struct {
	ChainHash string
	EventID   string
}

// Options controls one event-chain verification call.
type Options struct {
	Strict       bool
	DeclaredHead *DeclaredHead
}

// Verify checks events against material field-by-field, recomputes
// payloadHash/chainHash, enforces signer-kind policy, and validates
// key usability windows.
func Verify(events []Event, material []PayloadMaterial, keys map[string]KeyMeta, opts Options) error {
	if len(events) != len(material) {
		return verrors.New("EVENT_MATERIAL_LENGTH_MISMATCH").
			WithDetail(map[string]int{"events": len(events), "material": len(material)})
	}

	var prevChainHash *string
	for i := range events {
		ev := events[i]
		mat := material[i]

		if err := matchEventToMaterial(ev, mat); err != nil {
			return err.WithPath(ev.ID)
		}

		payloadHash, err := canonical.HashHex(map[string]any{
			"v": mat.V, "id": mat.ID, "at": mat.At, "streamId": mat.StreamID,
			"type": mat.Type, "actor": mat.Actor, "payload": mat.Payload,
		})
		if err != nil {
			return verrors.New("EVENT_PAYLOAD_HASH_COMPUTE_FAILED").WithPath(ev.ID).WithCause(err)
		}
		if payloadHash != ev.PayloadHash {
			return verrors.New("payloadHash mismatch").WithPath(ev.ID).
				WithDetail(map[string]string{"want": ev.PayloadHash, "got": payloadHash})
		}

		if !chainHashEqual(prevChainHash, ev.PrevChainHash) {
			return verrors.New("prevChainHash mismatch").WithPath(ev.ID)
		}

		chainHash, err := canonical.HashHex(map[string]any{
			"v": 1, "prevChainHash": ev.PrevChainHash, "payloadHash": ev.PayloadHash,
		})
		if err != nil {
			return verrors.New("EVENT_CHAIN_HASH_COMPUTE_FAILED").WithPath(ev.ID).WithCause(err)
		}
		if chainHash != ev.ChainHash {
			return verrors.New("chainHash mismatch").WithPath(ev.ID).
				WithDetail(map[string]string{"want": ev.ChainHash, "got": chainHash})
		}

		if err := checkSigner(ev, keys, opts.Strict); err != nil {
			return err.WithPath(ev.ID)
		}

		chainHashCopy := ev.ChainHash
		prevChainHash = &chainHashCopy
	}

	if opts.DeclaredHead != nil && len(events) > 0 {
		last := events[len(events)-1]
		if last.ChainHash != opts.DeclaredHead.ChainHash || last.ID != opts.DeclaredHead.EventID {
			return verrors.New("EVENT_HEAD_MISMATCH").WithDetail(map[string]string{
				"wantChainHash": opts.DeclaredHead.ChainHash,
				"gotChainHash":  last.ChainHash,
				"wantEventId":   opts.DeclaredHead.EventID,
				"gotEventId":    last.ID,
			})
		}
	}

	return nil
}

func matchEventToMaterial(ev Event, mat PayloadMaterial) *verrors.Error {
	if ev.V != mat.V || ev.ID != mat.ID || ev.StreamID != mat.StreamID || ev.Type != mat.Type {
		return verrors.New("EVENT_MATERIAL_FIELD_MISMATCH")
	}
	if !ev.At.Equal(mat.At) {
		return verrors.New("EVENT_MATERIAL_FIELD_MISMATCH").WithDetail("at")
	}
	actorEq, err := canonical.Equal(ev.Actor, mat.Actor)
	if err != nil || !actorEq {
		return verrors.New("EVENT_MATERIAL_FIELD_MISMATCH").WithDetail("actor")
	}
	payloadEq, err := canonical.Equal(ev.Payload, mat.Payload)
	if err != nil || !payloadEq {
		return verrors.New("EVENT_MATERIAL_FIELD_MISMATCH").WithDetail("payload")
	}
	return nil
}

func chainHashEqual(prior *string, declared *string) bool {
	if prior == nil {
		return declared == nil
	}
	return declared != nil && *prior == *declared
}

func checkSigner(ev Event, keys map[string]KeyMeta, strict bool) *verrors.Error {
	kind, ok := SignerKindForType(ev.Type)
	if !ok {
		return verrors.New("EVENT_TYPE_UNKNOWN").WithDetail(ev.Type)
	}

	if kind == KindNone {
		if ev.Signature == "" {
			return nil
		}
	} else if ev.Signature == "" || ev.SignerKeyID == "" {
		return verrors.New("EVENT_SIGNATURE_REQUIRED").WithDetail(string(kind))
	}

	if ev.Signature == "" {
		return nil
	}

	meta, ok := keys[ev.SignerKeyID]
	if !ok {
		return verrors.New("EVENT_SIGNER_KEY_UNKNOWN").WithDetail(ev.SignerKeyID)
	}

	verified, err := cryptoutil.VerifyEd25519OverHex(ev.PayloadHash, ev.Signature, meta.PublicKeyPEM)
	if err != nil || !verified {
		return verrors.New("EVENT_SIGNATURE_INVALID").WithDetail(ev.SignerKeyID)
	}

	if meta.ValidFrom != nil && ev.At.Before(*meta.ValidFrom) {
		return verrors.New("KEY_NOT_YET_VALID").WithDetail(ev.SignerKeyID)
	}
	if meta.ValidTo != nil && ev.At.After(*meta.ValidTo) {
		return verrors.New("KEY_EXPIRED").WithDetail(ev.SignerKeyID)
	}

	if kind == KindServer {
		if meta.RevokedAt != nil && !ev.At.Before(*meta.RevokedAt) {
			return verrors.New("KEY_REVOKED").WithDetail(ev.SignerKeyID)
		}
		if meta.RotatedAt != nil && !ev.At.Before(*meta.RotatedAt) {
			return verrors.New("KEY_ROTATED").WithDetail(ev.SignerKeyID)
		}
		if strict {
			if !meta.ServerGoverned {
				return verrors.New("server signer key not governed").WithDetail(ev.SignerKeyID)
			}
			if meta.ValidFrom == nil {
				return verrors.New("EVENT_SIGNER_KEY_VALID_FROM_MISSING").WithDetail(ev.SignerKeyID)
			}
			if meta.Purpose != "server" {
				return verrors.New("EVENT_SIGNER_KEY_PURPOSE_INVALID").WithDetail(ev.SignerKeyID)
			}
		}
	}

	return nil
}
