package domain

import (
	"net/textproto"
	"strings"
)

// GovernanceRequest carries the attributes of one remote call that governance
// matching and key derivation need. It is built fresh by the invocation layer
// for every call and never persisted.
type GovernanceRequest struct {
	Method  string            `json:"method,omitempty"`
	APIPath string            `json:"apiPath,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// ServiceName is the peer microservice: the target for consumer-side
	// governance, the caller for provider-side governance.
	ServiceName string `json:"serviceName,omitempty"`
	SchemaID    string `json:"schemaId,omitempty"`
	OperationID string `json:"operationId,omitempty"`

	// ServiceID and InstanceID identify the concrete endpoint selected for the
	// call. Instance scoped governance is skipped when they are empty.
	ServiceID  string `json:"serviceId,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
}

// Header looks up a request header. The lookup tries the exact name first and
// falls back to a case-insensitive match.
func (r *GovernanceRequest) Header(name string) (string, bool) {
	if r == nil || len(r.Headers) == 0 {
		return "", false
	}
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for k, v := range r.Headers {
		if k == canonical || strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// SetHeader adds or replaces a header value.
func (r *GovernanceRequest) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// InvocationMeta describes the operation being invoked.
type InvocationMeta struct {
	SchemaID    string
	OperationID string
}

// SchemaQualifiedName returns "schema.operation".
func (m InvocationMeta) SchemaQualifiedName() string {
	if m.OperationID == "" {
		return m.SchemaID
	}
	return m.SchemaID + "." + m.OperationID
}

// ServiceMeta identifies the local microservice. Policies that declare a
// services filter are only loaded when they name this service.
type ServiceMeta struct {
	Name    string
	Version string
}
