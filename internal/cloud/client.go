package cloud

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.linode.com/v4"
	pageSize       = 100

	retryCount   = 3
	retryWait    = 2 * time.Second
	retryWaitMax = 60 * time.Second
)

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	region  string
}

func NewClient(baseURL, token, region string, requestTimeout time.Duration, rps float64) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := resty.New()
	c.SetBaseURL(baseURL)
	c.SetAuthToken(token)
	c.SetTimeout(requestTimeout)
	c.SetRetryCount(retryCount)
	c.SetRetryWaitTime(retryWait)
	c.SetRetryMaxWaitTime(retryWaitMax)
	// 429 honors Retry-After via resty's default backoff; 5xx are transient.
	c.AddRetryCondition(func(resp *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp.StatusCode() == http.StatusTooManyRequests ||
			resp.StatusCode() >= http.StatusInternalServerError
	})
	c.AddRetryHook(func(resp *resty.Response, err error) {
		log.Warn().Err(err).Msgf("retrying cloud api call %s", resp.Request.URL)
	})

	return &Client{
		http:    c,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		region:  region,
	}
}

func (c *Client) Region() string { return c.region }

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for cloud api rate limiter: %w", err)
	}
	return c.http.R().SetContext(ctx), nil
}

type page[T any] struct {
	Data    []T `json:"data"`
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	Results int `json:"results"`
}

// ListInstances returns every instance in the client's region.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var all []Instance
	for pageNum, pages := 1, 1; pageNum <= pages; pageNum++ {
		req, err := c.request(ctx)
		if err != nil {
			return nil, err
		}
		result := page[Instance]{}
		resp, err := req.
			SetHeader("X-Filter", fmt.Sprintf(`{"region": %q}`, c.region)).
			SetQueryParam("page", fmt.Sprint(pageNum)).
			SetQueryParam("page_size", fmt.Sprint(pageSize)).
			SetResult(&result).
			Get("/linode/instances")
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		if resp.IsError() {
			return nil, &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
		}
		all = append(all, result.Data...)
		pages = result.Pages
	}
	return all, nil
}

// FindInstanceByLabel locates the instance labelled with the node's name.
func (c *Client) FindInstanceByLabel(ctx context.Context, label string) (*Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if instances[i].Label == label {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("no instance labelled %s in region %s", label, c.region)
}

// FindInstanceByIP locates the instance whose public or private IPv4 list
// contains addr. Used by the agent to find itself.
func (c *Client) FindInstanceByIP(ctx context.Context, addr string) (*Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		for _, ip := range instances[i].IPv4 {
			if ip == addr {
				return &instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no instance with address %s in region %s", addr, c.region)
}

func (c *Client) ListConfigs(ctx context.Context, instanceID int) ([]InstanceConfig, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	result := page[InstanceConfig]{}
	resp, err := req.
		SetResult(&result).
		Get(fmt.Sprintf("/linode/instances/%d/configs", instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to list configs for instance %d: %w", instanceID, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return result.Data, nil
}

// AppendInterface adds iface to the instance config, keeping existing
// interfaces in place. The provider applies the change on next boot.
func (c *Client) AppendInterface(ctx context.Context, instanceID int, config InstanceConfig, iface Interface) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"interfaces": append(config.Interfaces, iface),
	}
	resp, err := req.
		SetBody(body).
		Put(fmt.Sprintf("/linode/instances/%d/configs/%d", instanceID, config.ID))
	if err != nil {
		return fmt.Errorf("failed to update config %d of instance %d: %w", config.ID, instanceID, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return nil
}

func (c *Client) RebootInstance(ctx context.Context, instanceID, configID int) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetBody(map[string]any{"config_id": configID}).
		Post(fmt.Sprintf("/linode/instances/%d/reboot", instanceID))
	if err != nil {
		return fmt.Errorf("failed to reboot instance %d: %w", instanceID, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return nil
}

func (c *Client) ListFirewalls(ctx context.Context) ([]Firewall, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	result := page[Firewall]{}
	resp, err := req.SetResult(&result).Get("/networking/firewalls")
	if err != nil {
		return nil, fmt.Errorf("failed to list firewalls: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return result.Data, nil
}

func (c *Client) CreateFirewall(ctx context.Context, label string, rules FirewallRuleSet) (*Firewall, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	created := Firewall{}
	resp, err := req.
		SetBody(map[string]any{"label": label, "rules": rules}).
		SetResult(&created).
		Post("/networking/firewalls")
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall %s: %w", label, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return &created, nil
}

func (c *Client) ListFirewallDevices(ctx context.Context, firewallID int) ([]FirewallDevice, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	result := page[FirewallDevice]{}
	resp, err := req.
		SetResult(&result).
		Get(fmt.Sprintf("/networking/firewalls/%d/devices", firewallID))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices of firewall %d: %w", firewallID, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return result.Data, nil
}

func (c *Client) AttachFirewallDevice(ctx context.Context, firewallID, instanceID int) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetBody(map[string]any{"id": instanceID, "type": "linode"}).
		Post(fmt.Sprintf("/networking/firewalls/%d/devices", firewallID))
	if err != nil {
		return fmt.Errorf("failed to attach firewall %d to instance %d: %w", firewallID, instanceID, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Reason: resp.String()}
	}
	return nil
}

// ScanVLANAddresses walks every instance config in the region and collects
// VLAN ipam addresses keyed by bare IP, value = instance label. This is the
// scan half of pool reconstruction.
func (c *Client) ScanVLANAddresses(ctx context.Context, vlanLabel string) (map[string]string, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	attached := make(map[string]string)
	for _, instance := range instances {
		configs, err := c.ListConfigs(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		for _, config := range configs {
			for _, iface := range config.Interfaces {
				if iface.Purpose != PurposeVLAN || iface.IPAMAddress == "" {
					continue
				}
				if vlanLabel != "" && iface.Label != vlanLabel {
					continue
				}
				attached[iface.IPAMAddress] = instance.Label
			}
		}
	}
	return attached, nil
}
