package trustenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoad_HappyPath(t *testing.T) {
	getenv := fakeGetenv(map[string]string{
		EnvPrefix + "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON":            `{"gov-root-1":"-----BEGIN PUBLIC KEY-----..."}`,
		EnvPrefix + "TRUSTED_TIME_AUTHORITY_KEYS_JSON":             `{"tsa-1":"-----BEGIN PUBLIC KEY-----..."}`,
		EnvPrefix + "TRUSTED_PRICING_SIGNER_KEYS_JSON":             `{"pricing-1":"-----BEGIN PUBLIC KEY-----..."}`,
		EnvPrefix + "TRUSTED_PRICING_SIGNER_KEY_IDS_JSON":          `["pricing-1"]`,
		EnvPrefix + "TRUSTED_SETTLEMENT_DECISION_SIGNER_KEYS_JSON": `{"settle-1":"-----BEGIN PUBLIC KEY-----..."}`,
	})

	anchors, err := Load(getenv, true)
	require.NoError(t, err)

	assert.NotEmpty(t, anchors.GovernanceRootKeys["gov-root-1"], "expected governance root key to be loaded")
	assert.NotEmpty(t, anchors.TimeAuthorityKeys["tsa-1"], "expected time authority key to be loaded")
	assert.NotEmpty(t, anchors.PricingSignerKeys["pricing-1"], "expected pricing signer key to be loaded")
	assert.True(t, anchors.PricingSignerKeyIDs["pricing-1"], "expected pricing signer key id to be in the allowlist set")
	assert.NotEmpty(t, anchors.SettlementDecisionSigners["settle-1"], "expected settlement decision signer key to be loaded")
}

func TestLoad_StrictModeRequiresGovernanceRoot(t *testing.T) {
	getenv := fakeGetenv(map[string]string{
		EnvPrefix + "TRUSTED_TIME_AUTHORITY_KEYS_JSON": `{"tsa-1":"pem"}`,
	})

	_, err := Load(getenv, true)
	require.Error(t, err, "expected error for missing governance root keys in strict mode")
}

func TestLoad_StrictModeRequiresTimeAuthority(t *testing.T) {
	getenv := fakeGetenv(map[string]string{
		EnvPrefix + "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON": `{"gov-root-1":"pem"}`,
	})

	_, err := Load(getenv, true)
	require.Error(t, err, "expected error for missing time authority keys in strict mode")
}

func TestLoad_LenientModeAllowsEmpty(t *testing.T) {
	getenv := fakeGetenv(map[string]string{})

	anchors, err := Load(getenv, false)
	require.NoError(t, err)
	assert.Empty(t, anchors.GovernanceRootKeys)
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	getenv := fakeGetenv(map[string]string{
		EnvPrefix + "TRUSTED_GOVERNANCE_ROOT_KEYS_JSON": `not json`,
	})

	_, err := Load(getenv, false)
	require.Error(t, err, "expected parse error")
}
