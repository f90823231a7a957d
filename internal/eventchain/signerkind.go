package eventchain

// SignerKind is the closed enum of roles allowed to sign an event of
// a given type. NONE means a signature is optional.
type SignerKind string

const (
	KindRobot            SignerKind = "ROBOT"
	KindOperator         SignerKind = "OPERATOR"
	KindRobotOrOperator  SignerKind = "ROBOT_OR_OPERATOR"
	KindServerOrOperator SignerKind = "SERVER_OR_OPERATOR"
	KindServerOrRobot    SignerKind = "SERVER_OR_ROBOT"
	KindServer           SignerKind = "SERVER"
	KindNone             SignerKind = "NONE"
)

// signerKindByEventType is the closed, total mapping from event type
// to required signer kind. Event types outside this set are a shape
// error (EVENT_TYPE_UNKNOWN), not a silent NONE.
var signerKindByEventType = map[string]SignerKind{
	"JOB_CREATED":                  KindServerOrOperator,
	"JOB_STARTED":                  KindRobotOrOperator,
	"JOB_COMPLETED":                KindRobotOrOperator,
	"JOB_FAILED":                   KindRobotOrOperator,
	"ZONE_ENTERED":                 KindRobot,
	"ZONE_EXITED":                  KindRobot,
	"PROOF_EVALUATED":              KindServer,
	"DECISION_RECORDED":            KindServer,
	"SETTLEMENT_HELD":              KindServer,
	"SETTLEMENT_RELEASED":          KindServer,
	"SETTLED":                      KindServer,
	"SETTLEMENT_FORFEITED":         KindServer,
	"OPERATOR_NOTE_ADDED":          KindOperator,
	"OPERATOR_OVERRIDE":            KindOperator,
	"TENANT_POLICY_UPDATED":        KindServerOrOperator,
	"SERVER_SIGNER_KEY_REGISTERED": KindServer,
	"SERVER_SIGNER_KEY_ROTATED":    KindServer,
	"SERVER_SIGNER_KEY_REVOKED":    KindServer,
	"GOVERNANCE_SNAPSHOT_TAKEN":    KindServerOrRobot,
	"EVIDENCE_ATTACHED":            KindRobotOrOperator,
	"ANNOTATION_ADDED":             KindNone,
}

// SignerKindForType implements the spec's signerKindForType(t) -> kind
// totality check over the closed event-type set.
func SignerKindForType(eventType string) (SignerKind, bool) {
	kind, ok := signerKindByEventType[eventType]
	return kind, ok
}
