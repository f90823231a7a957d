package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/settld/bundleverify/internal/canonical"
	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/verrors"
)

// verifyPricingMatrixSignatures implements spec.md §4.11b:
// PricingMatrixSignatures.v2 binds the canonical hash of
// pricing_matrix.json; v1 (byte-hash) is accepted only in non-strict
// mode with a warning. Strict mode requires at least one valid
// signature from opts.TrustedPricingSignerKeys, optionally narrowed by
// opts.TrustedPricingSignerKeyIDs.
func verifyPricingMatrixSignatures(dir string, opts Options) ([]verrors.Error, error) {
	matrixRaw, err := os.ReadFile(filepath.Join(dir, "pricing/pricing_matrix.json"))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath("pricing/pricing_matrix.json").WithCause(err)
	}

	sigPath := filepath.Join(dir, "pricing/pricing_matrix_signatures.json")
	if _, err := os.Stat(sigPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath("pricing/pricing_matrix_signatures.json").WithCause(err)
		}
		if opts.Strict {
			return nil, verrors.New("PRICING_MATRIX_SIGNATURE_MISSING")
		}
		return []verrors.Error{*verrors.New("PRICING_MATRIX_SIGNATURES_MISSING_LENIENT")}, nil
	}

	generic, _, err := readJSON(dir, "pricing/pricing_matrix_signatures.json")
	if err != nil {
		return nil, err
	}
	schemaVersion, _ := generic["schemaVersion"].(string)

	var matrixGeneric map[string]any
	if err := json.Unmarshal(matrixRaw, &matrixGeneric); err != nil {
		return nil, verrors.New("unsupported manifest schemaVersion").WithPath("pricing/pricing_matrix.json").WithCause(err)
	}
	matrixHash, err := canonical.HashHex(matrixGeneric)
	if err != nil {
		return nil, verrors.New("PRICING_MATRIX_SIGNATURE_PAYLOAD_MISMATCH").WithCause(err)
	}

	switch schemaVersion {
	case "PricingMatrixSignatures.v1":
		if opts.Strict {
			return nil, verrors.New("PRICING_MATRIX_SIGNATURE_V1_BYTES_LEGACY_STRICT_REJECTED")
		}
		declared, _ := generic["pricingMatrixSha256"].(string)
		if declared != cryptoutil.SHA256Hex(matrixRaw) {
			return nil, verrors.New("PRICING_MATRIX_SIGNATURE_PAYLOAD_MISMATCH")
		}
		return []verrors.Error{*verrors.New("PRICING_MATRIX_SIGNATURE_V1_BYTES_LEGACY_ACCEPTED_LENIENT")}, nil

	case "PricingMatrixSignatures.v2":
		declared, _ := generic["pricingMatrixHash"].(string)
		if declared != matrixHash {
			return nil, verrors.New("PRICING_MATRIX_SIGNATURE_PAYLOAD_MISMATCH")
		}
		count, err := countTrustedPricingSignatures(generic, matrixHash, opts)
		if err != nil {
			return nil, err
		}
		if opts.Strict && count == 0 {
			return nil, verrors.New("PRICING_MATRIX_SIGNATURE_MISSING")
		}
		return nil, nil

	default:
		return nil, verrors.New("unsupported manifest schemaVersion").WithDetail(schemaVersion)
	}
}

func countTrustedPricingSignatures(generic map[string]any, matrixHash string, opts Options) (int, error) {
	rows, _ := generic["signatures"].([]any)
	count := 0
	for _, row := range rows {
		entry, ok := row.(map[string]any)
		if !ok {
			continue
		}
		signerKeyID, _ := entry["signerKeyId"].(string)
		signature, _ := entry["signature"].(string)

		pubPEM, trusted := opts.TrustedPricingSignerKeys[signerKeyID]
		if !trusted {
			continue
		}
		if len(opts.TrustedPricingSignerKeyIDs) > 0 && !opts.TrustedPricingSignerKeyIDs[signerKeyID] {
			continue
		}

		verified, err := cryptoutil.VerifyEd25519OverHex(matrixHash, signature, pubPEM)
		if err != nil || !verified {
			return 0, verrors.New("PRICING_MATRIX_SIGNATURE_INVALID").WithDetail(signerKeyID)
		}
		count++
	}
	return count, nil
}
