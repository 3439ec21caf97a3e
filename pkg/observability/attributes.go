package observability

import "go.opentelemetry.io/otel/attribute"

// Warden semantic convention attributes. Values are never secrets or
// tokens.
var (
	AttrOperation = attribute.Key("warden.operation")

	AttrPolicyRule     = attribute.Key("warden.policy.rule")
	AttrPolicyDecision = attribute.Key("warden.policy.decision")
	AttrChainID        = attribute.Key("warden.signing.chain_id")

	AttrEgressHost   = attribute.Key("warden.egress.host")
	AttrEgressMethod = attribute.Key("warden.egress.method")

	AttrActionName = attribute.Key("warden.action.name")
	AttrActionType = attribute.Key("warden.action.type")
)

// SigningOperation creates attributes for a signing request.
func SigningOperation(chainID int64) []attribute.KeyValue {
	return []attribute.KeyValue{AttrChainID.Int64(chainID)}
}

// EgressOperation creates attributes for an outbound fetch.
func EgressOperation(method, host string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEgressMethod.String(method),
		AttrEgressHost.String(host),
	}
}

// ActionOperation creates attributes for a custom action invocation.
func ActionOperation(name, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionName.String(name),
		AttrActionType.String(actionType),
	}
}
