package cloud

import (
	"context"

	"github.com/go-playground/validator/v10"
)

// Status is the coarse lifecycle status reported by the provider.
type Status string

const (
	// StatusRequested means the resource has been accepted but is not yet booted.
	StatusRequested Status = "requested"

	// StatusActive means the resource is booted and has a public address.
	StatusActive Status = "active"

	// StatusErrored means the allocation failed server-side.
	StatusErrored Status = "errored"

	// StatusUnknown covers provider statuses the core does not interpret.
	StatusUnknown Status = "unknown"
)

// ResourceSpec describes the compute resource to allocate. It is immutable
// once constructed; the boot payload is opaque text handed to the provider.
type ResourceSpec struct {
	// Name is the operator-supplied resource name, unique per run.
	Name string `validate:"required"`

	// Region is the provider region code (e.g. "fra1").
	Region string `validate:"required"`

	// Size is the provider size/class code.
	Size string `validate:"required"`

	// Image is the provider image identifier or slug.
	Image string `validate:"required"`

	// SSHKeys are provider-side key references (ids or fingerprints)
	// authorized on the resource.
	SSHKeys []string `validate:"min=1"`

	// Tags are applied to the resource for later identification.
	Tags []string

	// UserData is the rendered boot-time configuration payload.
	UserData string `validate:"required"`
}

var validate = validator.New()

// Validate checks that the spec carries everything a create call needs.
func (s ResourceSpec) Validate() error {
	return validate.Struct(s)
}

// ResourceState is a point-in-time snapshot of a resource. Snapshots are
// never mutated; each poll yields a new one.
type ResourceState struct {
	// ID is the provider resource identifier.
	ID string

	// Name echoes the requested name.
	Name string

	// Status is the lifecycle status at snapshot time.
	Status Status

	// PublicAddress is the public IPv4 address, set only once active.
	PublicAddress string
}

// Region describes a selectable provider region.
type Region struct {
	Slug      string
	Name      string
	Available bool
	Sizes     []string
}

// Image describes a selectable base image.
type Image struct {
	ID           string
	Slug         string
	Name         string
	Distribution string
}

// SSHKey describes a key stored in the provider account.
type SSHKey struct {
	ID          string
	Name        string
	Fingerprint string
}

// Client is the typed interface over the provider resource API. It performs
// no retries of its own; retry policy belongs to the caller.
type Client interface {
	// CreateResource requests allocation of a resource. A billable remote
	// resource exists after success.
	CreateResource(ctx context.Context, spec ResourceSpec) (ResourceState, error)

	// GetResource returns a read-only status snapshot.
	GetResource(ctx context.Context, id string) (ResourceState, error)

	// ListRegions enumerates selectable regions.
	ListRegions(ctx context.Context) ([]Region, error)

	// ListImages enumerates selectable base images.
	ListImages(ctx context.Context) ([]Image, error)

	// ListKeys enumerates SSH keys stored in the account.
	ListKeys(ctx context.Context) ([]SSHKey, error)
}
