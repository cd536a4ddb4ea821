package backend

import "strings"

const (
	// DeploymentToolLabel marks resources created by this tool.
	DeploymentToolLabel = "deployment-tool"

	// DeploymentToolValue is the value stamped on created resources.
	DeploymentToolValue = "cli-fnrelease"
)

// ManagedLabels returns the ownership labels merged over labels. The input is not modified.
func ManagedLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[DeploymentToolLabel] = DeploymentToolValue
	return out
}

// IsManaged reports whether labels carry the ownership marker. Suffixed values
// (e.g. "cli-fnrelease--extension") count as managed.
func IsManaged(labels map[string]string) bool {
	return strings.HasPrefix(labels[DeploymentToolLabel], DeploymentToolValue)
}
