// Package allocclient is the agent-side client of the allocation service.
package allocclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrExhausted mirrors the service-side pool exhaustion so callers can wait
// instead of hot-retrying.
var ErrExhausted = errors.New("allocclient: pool exhausted")

type Client struct {
	http     *resty.Client
	nodeName string
}

func NewClient(baseURL, nodeName string, timeout time.Duration) *Client {
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetTimeout(timeout)
	return &Client{http: c, nodeName: nodeName}
}

type allocateResponse struct {
	AllocatedIP string `json:"allocated_ip"`
}

type releaseResponse struct {
	ReleasedIP string `json:"released_ip"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Allocate returns the leased address with CIDR suffix (e.g. 192.168.0.9/24),
// ready to be used as an interface ipam address.
func (c *Client) Allocate(ctx context.Context, subnetCIDR string) (string, error) {
	result := allocateResponse{}
	apiErr := errorResponse{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Node-Name", c.nodeName).
		SetBody(map[string]string{"subnet": subnetCIDR}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/allocate")
	if err != nil {
		return "", fmt.Errorf("failed to call allocator: %w", err)
	}
	if resp.IsError() {
		if apiErr.Code == "exhausted" {
			return "", fmt.Errorf("%w: %s", ErrExhausted, apiErr.Error)
		}
		return "", fmt.Errorf("allocator returned status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return result.AllocatedIP, nil
}

// Release frees the address. Unknown addresses are reported as errors, but a
// repeated release of a known one succeeds (service-side idempotence).
func (c *Client) Release(ctx context.Context, ip string) error {
	apiErr := errorResponse{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Node-Name", c.nodeName).
		SetBody(map[string]string{"ip_address": ip}).
		SetError(&apiErr).
		SetResult(&releaseResponse{}).
		Post("/release")
	if err != nil {
		return fmt.Errorf("failed to call allocator: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("allocator returned status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return nil
}
