package domain

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// Container labels used to identify secstack-managed resources.
const (
	LabelManaged = "com.secstack.managed"
	LabelSession = "com.secstack.session"
	LabelService = "com.secstack.service"
)

// ContainerName generates the container name for a service.
// Pattern: secstack-{serviceName}
//
// Example:
//
//	ContainerName("indexer") // returns "secstack-indexer"
func ContainerName(serviceName string) string {
	return fmt.Sprintf("secstack-%s", serviceName)
}

// ServiceNameFromContainer is the inverse of ContainerName. The second
// return is false when the container name does not follow the pattern.
func ServiceNameFromContainer(containerName string) (string, bool) {
	const prefix = "secstack-"
	if len(containerName) <= len(prefix) || containerName[:len(prefix)] != prefix {
		return "", false
	}
	return containerName[len(prefix):], true
}
