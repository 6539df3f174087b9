// Package digitalocean implements the cloud.Client contract on top of the
// DigitalOcean API via godo.
package digitalocean

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/digitalocean/godo"
	"github.com/rs/zerolog/log"

	"github.com/dropguard/dropguard/pkg/cloud"
)

// Client wraps a godo client. The API token is passed in explicitly; nothing
// is read from ambient state.
type Client struct {
	api *godo.Client
}

// NewClient creates a DigitalOcean client authenticated with the given
// bearer token.
func NewClient(token string) *Client {
	return &Client{api: godo.NewFromToken(token)}
}

// CreateResource requests allocation of a droplet carrying the boot payload
// as user data.
func (c *Client) CreateResource(ctx context.Context, spec cloud.ResourceSpec) (cloud.ResourceState, error) {
	if err := spec.Validate(); err != nil {
		return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindQuota, Op: "create", Err: err}
	}

	req := &godo.DropletCreateRequest{
		Name:     spec.Name,
		Region:   spec.Region,
		Size:     spec.Size,
		Image:    godo.DropletCreateImage{Slug: spec.Image},
		SSHKeys:  sshKeyRefs(spec.SSHKeys),
		Tags:     spec.Tags,
		UserData: spec.UserData,
	}

	log.Debug().
		Str("name", spec.Name).
		Str("region", spec.Region).
		Str("size", spec.Size).
		Str("image", spec.Image).
		Msg("creating droplet")

	droplet, resp, err := c.api.Droplets.Create(ctx, req)
	if err != nil {
		return cloud.ResourceState{}, classify("create", resp, err)
	}

	state := stateFromDroplet(droplet)
	log.Info().Str("resource_id", state.ID).Msg("droplet creation accepted")
	return state, nil
}

// GetResource returns a point-in-time snapshot of the droplet.
func (c *Client) GetResource(ctx context.Context, id string) (cloud.ResourceState, error) {
	dropletID, err := strconv.Atoi(id)
	if err != nil {
		return cloud.ResourceState{}, &cloud.APIError{Kind: cloud.KindNotFound, Op: "get", Err: err}
	}

	droplet, resp, err := c.api.Droplets.Get(ctx, dropletID)
	if err != nil {
		return cloud.ResourceState{}, classify("get", resp, err)
	}

	return stateFromDroplet(droplet), nil
}

// ListRegions enumerates available regions.
func (c *Client) ListRegions(ctx context.Context) ([]cloud.Region, error) {
	regions, resp, err := c.api.Regions.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, classify("list-regions", resp, err)
	}

	out := make([]cloud.Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, cloud.Region{
			Slug:      r.Slug,
			Name:      r.Name,
			Available: r.Available,
			Sizes:     r.Sizes,
		})
	}
	return out, nil
}

// ListImages enumerates public distribution images.
func (c *Client) ListImages(ctx context.Context) ([]cloud.Image, error) {
	images, resp, err := c.api.Images.ListDistribution(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, classify("list-images", resp, err)
	}

	out := make([]cloud.Image, 0, len(images))
	for _, img := range images {
		out = append(out, cloud.Image{
			ID:           strconv.Itoa(img.ID),
			Slug:         img.Slug,
			Name:         img.Name,
			Distribution: img.Distribution,
		})
	}
	return out, nil
}

// ListKeys enumerates SSH keys stored in the account.
func (c *Client) ListKeys(ctx context.Context) ([]cloud.SSHKey, error) {
	keys, resp, err := c.api.Keys.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil, classify("list-keys", resp, err)
	}

	out := make([]cloud.SSHKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloud.SSHKey{
			ID:          strconv.Itoa(k.ID),
			Name:        k.Name,
			Fingerprint: k.Fingerprint,
		})
	}
	return out, nil
}

// sshKeyRefs converts key references to godo's form: numeric values are
// treated as key ids, anything else as a fingerprint.
func sshKeyRefs(refs []string) []godo.DropletCreateSSHKey {
	out := make([]godo.DropletCreateSSHKey, 0, len(refs))
	for _, ref := range refs {
		if id, err := strconv.Atoi(ref); err == nil {
			out = append(out, godo.DropletCreateSSHKey{ID: id})
			continue
		}
		out = append(out, godo.DropletCreateSSHKey{Fingerprint: ref})
	}
	return out
}

// stateFromDroplet maps a droplet to the provider-neutral snapshot.
func stateFromDroplet(d *godo.Droplet) cloud.ResourceState {
	state := cloud.ResourceState{
		ID:     strconv.Itoa(d.ID),
		Name:   d.Name,
		Status: mapStatus(d.Status),
	}

	if d.Networks != nil {
		for _, addr := range d.Networks.V4 {
			if addr.Type == "public" {
				state.PublicAddress = addr.IPAddress
				break
			}
		}
	}
	return state
}

// mapStatus maps DigitalOcean droplet statuses onto the core lifecycle.
// A droplet that ends up off or archived before the run ever saw it active
// is an allocation failure from the orchestrator's point of view.
func mapStatus(s string) cloud.Status {
	switch s {
	case "new":
		return cloud.StatusRequested
	case "active":
		return cloud.StatusActive
	case "off", "archive":
		return cloud.StatusErrored
	default:
		return cloud.StatusUnknown
	}
}

// classify maps godo failures onto the classified APIError the orchestrator
// keys its retry policy on.
func classify(op string, resp *godo.Response, err error) *cloud.APIError {
	status := 0
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status = errResp.Response.StatusCode
	} else if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	kind := classifyStatus(status)
	return &cloud.APIError{Kind: kind, Op: op, StatusCode: status, Err: err}
}

// classifyStatus applies the classification table: 401/403 auth, 402/422
// quota or spec rejection, 404 not found, everything else (429, 5xx, network
// failures with no status) transient.
func classifyStatus(status int) cloud.ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return cloud.KindAuth
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return cloud.KindQuota
	case http.StatusNotFound:
		return cloud.KindNotFound
	default:
		return cloud.KindTransient
	}
}
