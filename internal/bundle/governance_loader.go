package bundle

import (
	"os"
	"path/filepath"

	"github.com/settld/bundleverify/internal/cryptoutil"
	"github.com/settld/bundleverify/internal/governance"
	"github.com/settld/bundleverify/internal/verrors"
)

// governanceSnapshot is the outcome of loading and verifying one scope's
// governance/<scope>/snapshot.json: either a verified GovernancePolicy.v2
// (policy != nil), or an accepted-lenient v1 snapshot (policy == nil,
// warning set).
type governanceSnapshot struct {
	Policy    *governance.PolicyV2
	Timelines map[string]governance.Timeline
	Warning   *verrors.Error
}

func loadGovernanceSnapshot(dir, scopeDir string, opts Options) (*governanceSnapshot, error) {
	snapshotPath := filepath.Join(scopeDir, "snapshot.json")
	generic, raw, err := readJSON(dir, snapshotPath)
	if err != nil {
		return nil, err
	}
	schemaVersion, _ := generic["schemaVersion"].(string)

	if schemaVersion == "GovernancePolicy.v1" {
		if opts.Strict {
			return nil, verrors.Newf("strict requires GovernancePolicy.v2")
		}
		return &governanceSnapshot{
			Warning: verrors.New("GOVERNANCE_POLICY_V1_ACCEPTED_LENIENT"),
		}, nil
	}

	policy, err := governance.ParsePolicyV2(raw)
	if err != nil {
		return nil, err
	}
	if err := governance.VerifyPolicyV2Signature(policy, opts.TrustedGovernanceRootKeys); err != nil {
		return nil, err
	}

	revocationPath := filepath.Join(scopeDir, policy.RevocationList.Path)
	revocationRaw, err := os.ReadFile(filepath.Join(dir, revocationPath))
	if err != nil {
		return nil, verrors.New("BUNDLE_FILE_MISSING").WithPath(revocationPath).WithCause(err)
	}
	gotSHA := cryptoutil.SHA256Hex(revocationRaw)
	if gotSHA != policy.RevocationList.SHA256 {
		return nil, verrors.New("revocation list sha256 mismatch").
			WithPath(revocationPath).
			WithDetail(map[string]string{"want": policy.RevocationList.SHA256, "got": gotSHA})
	}

	revocationList, err := governance.ParseRevocationList(revocationRaw)
	if err != nil {
		return nil, err
	}
	if err := governance.VerifyRevocationListSignature(revocationList, opts.TrustedGovernanceRootKeys); err != nil {
		return nil, err
	}

	timelines := governance.DeriveKeyTimelineFromRevocationList(revocationList)

	return &governanceSnapshot{Policy: policy, Timelines: timelines}, nil
}
