package bundle

import "github.com/settld/bundleverify/internal/verrors"

// Verify dispatches a bundle directory to its kind-specific verifier
// based on the declared kind string (as read from the directory's
// manifest.json "kind" field by the caller, or otherwise known up
// front — spec.md §4.11 step 1's type-asserting header is itself
// re-checked inside each kind-specific verifier).
func Verify(dir, kind string, opts Options) (*Verdict, error) {
	switch kind {
	case "JobProofBundle.v1":
		return VerifyJobProofBundle(dir, opts)
	case "MonthProofBundle.v1":
		return VerifyMonthProofBundle(dir, opts)
	case "InvoiceBundle.v1":
		return VerifyInvoiceBundle(dir, opts)
	case "FinancePackBundle.v1":
		return VerifyFinancePackBundle(dir, opts)
	case "ClosePack.v1":
		return VerifyClosePack(dir, opts)
	default:
		return nil, verrors.New("unsupported artifactType").WithDetail(kind)
	}
}
