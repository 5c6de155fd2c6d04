package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lke-infra/vlanctl/internal/cloud"
)

// firewallLabel derives the cluster-scoped firewall name. Deterministic so
// every node in the cluster converges on the same firewall by listing, never
// by trusting local state.
func firewallLabel(clusterID string) string {
	return "vlan-fw-" + clusterID
}

// firewallRules is the fixed rule template: accept intra-VLAN traffic, drop
// other inbound, leave outbound open.
func firewallRules(subnetCIDR string) cloud.FirewallRuleSet {
	intraVLAN := cloud.RuleAddresses{IPv4: []string{subnetCIDR}}
	return cloud.FirewallRuleSet{
		InboundPolicy: "DROP",
		Inbound: []cloud.FirewallRule{
			{Action: "ACCEPT", Label: "vlan-tcp", Protocol: "TCP", Ports: "1-65535", Addresses: intraVLAN},
			{Action: "ACCEPT", Label: "vlan-udp", Protocol: "UDP", Ports: "1-65535", Addresses: intraVLAN},
			{Action: "ACCEPT", Label: "vlan-icmp", Protocol: "ICMP", Addresses: intraVLAN},
		},
		OutboundPolicy: "ACCEPT",
	}
}

// ensureFirewall idempotently makes sure the cluster firewall exists and is
// attached to this instance. "Already created by another node" is success.
func (a *Agent) ensureFirewall(ctx context.Context, logger zerolog.Logger, instanceID int) error {
	if !a.cfg.EnableFirewall {
		return nil
	}
	label := firewallLabel(a.cfg.ClusterID)

	firewall, err := a.findFirewall(ctx, label)
	if err != nil {
		return err
	}
	if firewall == nil {
		created, err := a.cloud.CreateFirewall(ctx, label, firewallRules(a.cfg.SubnetCIDR))
		if err != nil {
			// Another node may have won the creation race; re-list before
			// treating this as a failure.
			firewall, listErr := a.findFirewall(ctx, label)
			if listErr == nil && firewall != nil {
				logger.Info().Msgf("firewall %s created concurrently by another node", label)
				return a.ensureDevice(ctx, logger, firewall.ID, instanceID)
			}
			return fmt.Errorf("failed to create firewall %s: %w", label, err)
		}
		logger.Info().Msgf("created firewall %s", label)
		firewall = created
	}
	return a.ensureDevice(ctx, logger, firewall.ID, instanceID)
}

func (a *Agent) findFirewall(ctx context.Context, label string) (*cloud.Firewall, error) {
	firewalls, err := a.cloud.ListFirewalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list firewalls: %w", err)
	}
	for i := range firewalls {
		if firewalls[i].Label == label {
			return &firewalls[i], nil
		}
	}
	return nil, nil
}

func (a *Agent) ensureDevice(ctx context.Context, logger zerolog.Logger, firewallID, instanceID int) error {
	devices, err := a.cloud.ListFirewallDevices(ctx, firewallID)
	if err != nil {
		return fmt.Errorf("failed to list firewall devices: %w", err)
	}
	for _, device := range devices {
		if device.Entity.Type == "linode" && device.Entity.ID == instanceID {
			return nil
		}
	}
	if err := a.cloud.AttachFirewallDevice(ctx, firewallID, instanceID); err != nil {
		// Attached concurrently is fine; re-check by listing.
		devices, listErr := a.cloud.ListFirewallDevices(ctx, firewallID)
		if listErr == nil {
			for _, device := range devices {
				if device.Entity.Type == "linode" && device.Entity.ID == instanceID {
					return nil
				}
			}
		}
		return fmt.Errorf("failed to attach firewall to instance %d: %w", instanceID, err)
	}
	logger.Info().Msgf("attached firewall %d to instance %d", firewallID, instanceID)
	return nil
}
