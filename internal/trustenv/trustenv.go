// Package trustenv loads the offline trust anchors a verification call
// needs from environment variables: governance policy root keys, time
// authority keys, pricing-matrix signer keys (and an optional key-id
// allowlist), and settlement-decision signer keys. Anchors never flow
// in any other way — there is no implicit trust store.
package trustenv

import (
	"encoding/json"

	"github.com/settld/bundleverify/internal/verrors"
)

// EnvPrefix is prepended to every trust-anchor variable name, e.g.
// BUNDLEVERIFY_TRUSTED_GOVERNANCE_ROOT_KEYS_JSON.
const EnvPrefix = "BUNDLEVERIFY_"

// Anchors is the full set of trust anchors a verification call may
// consult, each sourced from its own environment variable.
type Anchors struct {
	GovernanceRootKeys        map[string]string
	TimeAuthorityKeys         map[string]string
	PricingSignerKeys         map[string]string
	PricingSignerKeyIDs       map[string]bool
	SettlementDecisionSigners map[string]string
}

// Load reads every trust-anchor env var via getenv. In strict mode, an
// empty or missing governance-root or time-authority anchor is fatal
// (spec.md §6: "Empty/missing in strict mode ⇒ fatal with a stable
// code") — pricing and settlement-decision anchors are optional even
// in strict mode since their absence is independently handled by the
// callers that consult them (e.g. pricing.go rejects a missing pricing
// signatures file in strict mode and only warns in non-strict mode).
func Load(getenv func(string) string, strict bool) (*Anchors, error) {
	governanceRootKeys, err := parseKeyMap(getenv(EnvPrefix + "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON"))
	if err != nil {
		return nil, verrors.New("TRUST_ANCHOR_PARSE_FAILED").WithPath("TRUSTED_GOVERNANCE_ROOT_KEYS_JSON").WithCause(err)
	}
	timeAuthorityKeys, err := parseKeyMap(getenv(EnvPrefix + "TRUSTED_TIME_AUTHORITY_KEYS_JSON"))
	if err != nil {
		return nil, verrors.New("TRUST_ANCHOR_PARSE_FAILED").WithPath("TRUSTED_TIME_AUTHORITY_KEYS_JSON").WithCause(err)
	}
	pricingSignerKeys, err := parseKeyMap(getenv(EnvPrefix + "TRUSTED_PRICING_SIGNER_KEYS_JSON"))
	if err != nil {
		return nil, verrors.New("TRUST_ANCHOR_PARSE_FAILED").WithPath("TRUSTED_PRICING_SIGNER_KEYS_JSON").WithCause(err)
	}
	pricingSignerKeyIDs, err := parseKeyIDSet(getenv(EnvPrefix + "TRUSTED_PRICING_SIGNER_KEY_IDS_JSON"))
	if err != nil {
		return nil, verrors.New("TRUST_ANCHOR_PARSE_FAILED").WithPath("TRUSTED_PRICING_SIGNER_KEY_IDS_JSON").WithCause(err)
	}
	settlementDecisionSigners, err := parseKeyMap(getenv(EnvPrefix + "TRUSTED_SETTLEMENT_DECISION_SIGNER_KEYS_JSON"))
	if err != nil {
		return nil, verrors.New("TRUST_ANCHOR_PARSE_FAILED").WithPath("TRUSTED_SETTLEMENT_DECISION_SIGNER_KEYS_JSON").WithCause(err)
	}

	if strict {
		if len(governanceRootKeys) == 0 {
			return nil, verrors.New("TRUST_ANCHOR_MISSING").WithPath("TRUSTED_GOVERNANCE_ROOT_KEYS_JSON")
		}
		if len(timeAuthorityKeys) == 0 {
			return nil, verrors.New("TRUST_ANCHOR_MISSING").WithPath("TRUSTED_TIME_AUTHORITY_KEYS_JSON")
		}
	}

	return &Anchors{
		GovernanceRootKeys:        governanceRootKeys,
		TimeAuthorityKeys:         timeAuthorityKeys,
		PricingSignerKeys:         pricingSignerKeys,
		PricingSignerKeyIDs:       pricingSignerKeyIDs,
		SettlementDecisionSigners: settlementDecisionSigners,
	}, nil
}

// parseKeyMap parses a JSON object mapping keyId -> publicKeyPem. An
// empty string (the var was unset) yields an empty, non-nil map.
func parseKeyMap(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseKeyIDSet parses the IDs-only form: a JSON array of keyId
// strings, used to narrow an already-trusted key map down further.
func parseKeyIDSet(raw string) (map[string]bool, error) {
	if raw == "" {
		return map[string]bool{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
