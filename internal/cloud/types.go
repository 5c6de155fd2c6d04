// Package cloud is the command/response boundary to the cloud provider:
// instance configs, VLAN interfaces, reboots and firewalls. Nothing here is
// source of truth for the pool; callers re-derive state by reading back.
package cloud

import "fmt"

const (
	// PurposeVLAN marks a config interface attached to a private Layer-2
	// segment; its IPAMAddress carries the allocated private address.
	PurposeVLAN = "vlan"
)

type Instance struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	Region string   `json:"region"`
	IPv4   []string `json:"ipv4"`
}

type Interface struct {
	Purpose     string `json:"purpose"`
	Label       string `json:"label,omitempty"`
	IPAMAddress string `json:"ipam_address,omitempty"`
}

type InstanceConfig struct {
	ID         int         `json:"id"`
	Label      string      `json:"label"`
	Interfaces []Interface `json:"interfaces"`
}

type FirewallRule struct {
	Action      string        `json:"action"`
	Label       string        `json:"label"`
	Protocol    string        `json:"protocol"`
	Ports       string        `json:"ports,omitempty"`
	Addresses   RuleAddresses `json:"addresses"`
	Description string        `json:"description,omitempty"`
}

type RuleAddresses struct {
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
}

type FirewallRuleSet struct {
	Inbound        []FirewallRule `json:"inbound"`
	InboundPolicy  string         `json:"inbound_policy"`
	Outbound       []FirewallRule `json:"outbound"`
	OutboundPolicy string         `json:"outbound_policy"`
}

type Firewall struct {
	ID    int             `json:"id"`
	Label string          `json:"label"`
	Rules FirewallRuleSet `json:"rules"`
}

type FirewallDevice struct {
	ID     int `json:"id"`
	Entity struct {
		ID   int    `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api error: status %d: %s", e.StatusCode, e.Reason)
}
