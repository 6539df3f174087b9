// Package cloud defines the typed contract with the compute provider:
// resource creation, status snapshots, and the discovery listings, together
// with the classified error type the orchestration layer keys its retry
// policy on. Provider-specific implementations live in subpackages.
package cloud
