package axm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	axmerrors "github.com/axmtools/axmctl/internal/errors"
)

// Resource endpoint helpers. Each is a thin typed wrapper over Execute or
// List; the retry policy and pagination come from the client.

// GetDevice fetches one organization device by serial number. A 404 is a
// normal absent-record outcome for batch callers (check IsNotFound).
func (c *Client) GetDevice(ctx context.Context, state *TokenState, id string) (gjson.Result, error) {
	return c.Execute(ctx, http.MethodGet, "/v1/orgDevices/"+url.PathEscape(id), nil, nil, state)
}

// GetAssignedServer fetches the device management service a device is
// assigned to.
func (c *Client) GetAssignedServer(ctx context.Context, state *TokenState, id string) (gjson.Result, error) {
	return c.Execute(ctx, http.MethodGet, "/v1/orgDevices/"+url.PathEscape(id)+"/assignedServer", nil, nil, state)
}

// GetAppleCareCoverage fetches AppleCare coverage for a device. The
// server reports "no coverage or not enrolled" as a 200 with an empty
// data array; that case returns ErrNoData so callers can tell a confirmed
// empty result apart from a 404.
func (c *Client) GetAppleCareCoverage(ctx context.Context, state *TokenState, id string) (gjson.Result, error) {
	res, err := c.Execute(ctx, http.MethodGet, "/v1/orgDevices/"+url.PathEscape(id)+"/appleCareCoverage", nil, nil, state)
	if err != nil {
		return res, err
	}

	data := res.Get("data")
	if data.IsArray() && len(data.Array()) == 0 {
		return res, axmerrors.ErrNoData
	}

	return res, nil
}

// ListDevices fetches every organization device, following pagination.
func (c *Client) ListDevices(ctx context.Context, state *TokenState) ([]gjson.Result, error) {
	return c.List(ctx, "/v1/orgDevices", nil, state)
}

// ListMDMServers fetches every device management service.
func (c *Client) ListMDMServers(ctx context.Context, state *TokenState) ([]gjson.Result, error) {
	return c.List(ctx, "/v1/mdmServers", nil, state)
}

// ListMDMServerDevices fetches every device linked to one device
// management service.
func (c *Client) ListMDMServerDevices(ctx context.Context, state *TokenState, serverID string) ([]gjson.Result, error) {
	return c.List(ctx, "/v1/mdmServers/"+url.PathEscape(serverID)+"/devices", nil, state)
}
