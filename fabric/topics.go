package fabric

import "encoding/json"

// Well-known fabric topics consumed by the console.
const (
	// ServiceRegistryQueryTopic answers a request with the full set of
	// currently registered services.
	ServiceRegistryQueryTopic = "/fabric/service/registry/query"

	// ServiceRegisterEventTopic carries an event each time a service
	// registers with the fabric. The payload is the service descriptor.
	ServiceRegisterEventTopic = "/fabric/event/registry/register"

	// ServiceUnregisterEventTopic carries an event each time a service
	// unregisters. The payload is the service descriptor.
	ServiceUnregisterEventTopic = "/fabric/event/registry/unregister"
)

// ServiceGUIDKey is the descriptor attribute holding the service's unique
// identifier.
const ServiceGUIDKey = "serviceGuid"

// ServiceDescriptor is the attribute bag the fabric reports for one
// service. The console treats it as opaque apart from its GUID.
type ServiceDescriptor map[string]any

// GUID returns the service's unique identifier, or "" if the descriptor
// does not carry one.
func (d ServiceDescriptor) GUID() string {
	guid, _ := d[ServiceGUIDKey].(string)
	return guid
}

// RegistryQueryResult is the payload of a ServiceRegistryQueryTopic
// response.
type RegistryQueryResult struct {
	Services map[string]ServiceDescriptor `json:"services"`
}

// ParseRegistryQueryResult decodes a registry query response payload.
func ParseRegistryQueryResult(payload []byte) (*RegistryQueryResult, error) {
	var res RegistryQueryResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	if res.Services == nil {
		res.Services = make(map[string]ServiceDescriptor)
	}
	return &res, nil
}

// ParseServiceDescriptor decodes a registry event payload.
func ParseServiceDescriptor(payload []byte) (ServiceDescriptor, error) {
	var d ServiceDescriptor
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, err
	}
	return d, nil
}
