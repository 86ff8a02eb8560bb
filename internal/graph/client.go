// Package graph is a minimal client for the device management REST API.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/model"
)

// DefaultBaseURL is the management API root all device paths are relative to.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0/deviceManagement/"

const (
	devicesPath = "managedDevices"
	maxBody     = 8 << 20
)

// Page is one page of the managed device listing.
type Page struct {
	Value    []model.DeviceRecord `json:"value"`
	NextLink string               `json:"@odata.nextLink"`
}

// Client issues bearer-authenticated requests against one base URL.
type Client struct {
	base *url.URL
	hc   *http.Client
}

// New constructs a Client. Empty baseURL means DefaultBaseURL; nil hc means http.DefaultClient.
func New(baseURL string, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("graph base url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: u, hc: hc}, nil
}

// FirstPageURL returns the listing URL, with $filter when the filter is present.
func (c *Client) FirstPageURL(f model.DeviceFilter) string {
	u := c.base.ResolveReference(&url.URL{Path: devicesPath})
	if expr := f.Expression(); expr != "" {
		// url.Values would escape '$'; the API accepts it either way but docs use it raw.
		u.RawQuery = "$filter=" + url.QueryEscape(expr)
	}
	return u.String()
}

// Page fetches one listing page. pageURL is FirstPageURL or a previous NextLink.
func (c *Client) Page(ctx context.Context, token, pageURL string) (Page, error) {
	status, body, err := c.do(ctx, token, http.MethodGet, pageURL)
	if err != nil {
		return Page{}, err
	}
	if status != http.StatusOK {
		return Page{}, &errs.HTTPError{Status: status, Body: string(body)}
	}
	var p Page
	if err := json.Unmarshal(body, &p); err != nil {
		return Page{}, &errs.HTTPError{Status: status, Body: fmt.Sprintf("undecodable page: %v", err)}
	}
	return p, nil
}

// Send issues a request to a path relative to the base URL and returns the raw response.
// The error is non-nil only when no response was received.
func (c *Client) Send(ctx context.Context, token, method, path string) (int, []byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)
	}
	return c.do(ctx, token, method, c.base.ResolveReference(ref).String())
}

// DevicePath is the escaped relative path of one device, optionally with an action segment.
func DevicePath(deviceID, action string) string {
	p := devicesPath + "/" + url.PathEscape(deviceID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, token, method, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %w", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: read body: %w", errs.ErrNetwork, err)
	}
	return resp.StatusCode, body, nil
}
