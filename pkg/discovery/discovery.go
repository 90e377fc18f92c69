// Package discovery builds the GET /.well-known/resources payload from the
// adapter registry, grounded in the teacher's pkg/messaging/registry.go
// All() enumeration, generalized into a client-facing capability document.
package discovery

import (
	"net/http"

	"github.com/hearthgate/gateway/internal/httpserver"
	"github.com/hearthgate/gateway/pkg/adapter"
)

// PopAuth describes the authentication scheme a resource requires.
type PopAuth struct {
	Version int `json:"version"`
}

// ResourceAuth wraps the auth schemes a resource accepts; PoP is the only
// one the core supports.
type ResourceAuth struct {
	Pop PopAuth `json:"pop"`
}

// ResourceConstraints advertises which enforcement constraint keys a
// resource's permissions may carry, so an admin UI can render the right
// form fields without hardcoding per-resource knowledge.
type ResourceConstraints struct {
	Supports []string `json:"supports"`
}

// Resource is one entry of the discovery payload's resources array.
type Resource struct {
	ResourceID  string              `json:"resourceId"`
	Actions     []string            `json:"actions"`
	Auth        ResourceAuth        `json:"auth"`
	Constraints ResourceConstraints `json:"constraints"`
}

// GatewayInfo identifies the gateway instance itself.
type GatewayInfo struct {
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
}

// Document is the full discovery payload.
type Document struct {
	Gateway   GatewayInfo `json:"gateway"`
	Resources []Resource  `json:"resources"`
}

// supportedConstraintKeys is the fixed set of enforcement constraint keys
// every registered resource may be configured with (§4.6); it does not vary
// per adapter since enforcement is applied uniformly by the pipeline.
var supportedConstraintKeys = []string{
	"allowedModels", "maxOutputTokens", "allowTools", "allowStreaming", "modelRateLimits",
}

// Build assembles the discovery document from every adapter in reg.
func Build(reg *adapter.Registry, version, name string) *Document {
	doc := &Document{Gateway: GatewayInfo{Version: version, Name: name}}
	for _, a := range reg.All() {
		doc.Resources = append(doc.Resources, Resource{
			ResourceID: a.ID(),
			Actions:    a.SupportedActions(),
			Auth:       ResourceAuth{Pop: PopAuth{Version: 1}},
			Constraints: ResourceConstraints{
				Supports: supportedConstraintKeys,
			},
		})
	}
	return doc
}

// Handler serves the GET /.well-known/resources document, rebuilt from the
// registry on every call rather than cached.
func Handler(reg *adapter.Registry, version, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpserver.Respond(w, http.StatusOK, Build(reg, version, name))
	}
}
