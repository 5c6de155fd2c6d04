// Package agent implements the per-node attachment state machine. Every run
// re-derives the node's state from live cloud and OS configuration and does
// only the work that remains, so a crashed or rebooted run can always be
// retried from the top.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/allocclient"
	"github.com/lke-infra/vlanctl/internal/cloud"
	"github.com/lke-infra/vlanctl/internal/config"
	"github.com/lke-infra/vlanctl/internal/netops"
	"github.com/lke-infra/vlanctl/internal/orchestrator"
	"github.com/lke-infra/vlanctl/internal/rebootlock"
	"github.com/lke-infra/vlanctl/internal/retry"
)

const (
	allocAttempts = 5
	allocBackoff  = 5 * time.Second
	verifyBackoff = 2 * time.Second
)

type Result uint8

const (
	// ResultReady: attachment complete, no reboot needed; process may exit.
	ResultReady Result = iota
	// ResultRebootRequested: a reboot was requested from the cloud API; the
	// process should exit and let the reboot happen.
	ResultRebootRequested
	// ResultRequeue: allocation failed or was exhausted; caller backs off
	// for the long interval and re-runs the whole evaluation.
	ResultRequeue
)

type CloudAPI interface {
	FindInstanceByLabel(ctx context.Context, label string) (*cloud.Instance, error)
	FindInstanceByIP(ctx context.Context, addr string) (*cloud.Instance, error)
	ListConfigs(ctx context.Context, instanceID int) ([]cloud.InstanceConfig, error)
	AppendInterface(ctx context.Context, instanceID int, config cloud.InstanceConfig, iface cloud.Interface) error
	RebootInstance(ctx context.Context, instanceID, configID int) error
	ListFirewalls(ctx context.Context) ([]cloud.Firewall, error)
	CreateFirewall(ctx context.Context, label string, rules cloud.FirewallRuleSet) (*cloud.Firewall, error)
	ListFirewallDevices(ctx context.Context, firewallID int) ([]cloud.FirewallDevice, error)
	AttachFirewallDevice(ctx context.Context, firewallID, instanceID int) error
}

type Allocator interface {
	Allocate(ctx context.Context, subnetCIDR string) (string, error)
	Release(ctx context.Context, ip string) error
}

type NetOps interface {
	ListInterfaces() ([]netops.Interface, error)
	RouteExists(destination netip.Prefix) (bool, error)
	AddRoute(destination netip.Prefix, gateway netip.Addr, ifaceName string) error
}

type Directory interface {
	ListPodsByLabel(ctx context.Context, selector string) ([]orchestrator.Pod, error)
	NodeReady(ctx context.Context, name string) (bool, error)
}

type RebootLock interface {
	Acquire(ctx context.Context) error
	CleanupStale(ctx context.Context, prober rebootlock.NodeProber) error
}

// attachment is one VLAN the node must join; the primary one additionally
// carries routes and the firewall.
type attachment struct {
	subnetCIDR string
	vlanLabel  string
	primary    bool
}

type Agent struct {
	cfg       *config.Agent
	cloud     CloudAPI
	alloc     Allocator
	net       NetOps
	directory Directory
	lock      RebootLock

	attachments []attachment
	routes      []config.StaticRoute
}

func New(
	cfg *config.Agent,
	cloudAPI CloudAPI,
	alloc Allocator,
	net NetOps,
	directory Directory,
	lock RebootLock,
) (*Agent, error) {
	routes, err := cfg.Routes()
	if err != nil {
		return nil, err
	}
	attachments := []attachment{{subnetCIDR: cfg.SubnetCIDR, vlanLabel: cfg.VLANLabel, primary: true}}
	if cfg.EnableSecondaryInterface {
		attachments = append(attachments, attachment{
			subnetCIDR: cfg.SecondarySubnetCIDR,
			vlanLabel:  cfg.SecondaryVLANLabel,
		})
	}
	return &Agent{
		cfg:         cfg,
		cloud:       cloudAPI,
		alloc:       alloc,
		net:         net,
		directory:   directory,
		lock:        lock,
		attachments: attachments,
		routes:      routes,
	}, nil
}

// Run evaluates the state machine until it reaches a terminal result,
// backing off for the long interval on requeue instead of crash-looping.
func (a *Agent) Run(ctx context.Context, requeueDelay time.Duration) (Result, error) {
	for {
		result, err := a.RunOnce(ctx)
		if err != nil {
			return result, err
		}
		if result != ResultRequeue {
			return result, nil
		}
		log.Warn().Msgf("allocation not possible right now, re-evaluating in %s", requeueDelay)
		select {
		case <-ctx.Done():
			return ResultRequeue, ctx.Err()
		case <-time.After(requeueDelay):
		}
	}
}

// RunOnce performs a single evaluation: stale-lock cleanup, observe, act.
func (a *Agent) RunOnce(ctx context.Context) (Result, error) {
	runID, err := uuid.GenerateUUID()
	if err != nil {
		return ResultReady, fmt.Errorf("failed to generate run id: %w", err)
	}
	logger := log.With().Str("run_id", runID).Str("node", a.cfg.NodeName).Logger()

	// Some node completed a reboot since the lock was taken — possibly us.
	err = retry.Unbounded(ctx, 10*time.Second, func() error {
		return a.lock.CleanupStale(ctx, a.directory)
	})
	if err != nil {
		return ResultReady, fmt.Errorf("failed to clean up stale reboot lock: %w", err)
	}

	instance, err := a.findSelf(ctx)
	if err != nil {
		return ResultReady, fmt.Errorf("failed to find own instance: %w", err)
	}
	configs, err := a.cloud.ListConfigs(ctx, instance.ID)
	if err != nil {
		return ResultReady, fmt.Errorf("failed to list instance configs: %w", err)
	}
	if len(configs) == 0 {
		return ResultReady, fmt.Errorf("instance %d has no boot config", instance.ID)
	}
	bootConfig := configs[0]

	osInterfaces, err := a.net.ListInterfaces()
	if err != nil {
		return ResultReady, fmt.Errorf("failed to list os interfaces: %w", err)
	}

	rebootOwed := false
	for _, att := range a.attachments {
		obs := Observe(bootConfig, osInterfaces, att.vlanLabel)
		logger.Info().Msgf("vlan %s observed state: %s", att.vlanLabel, obs.State)

		switch obs.State {
		case StateAttached:
			if att.primary {
				a.pushRoutes(logger, obs.OSInterface)
				if err := a.ensureFirewall(ctx, logger, instance.ID); err != nil {
					return ResultReady, err
				}
			}

		case StateConfigured:
			rebootOwed = true

		case StateUnattached:
			result, err := a.attach(ctx, logger, instance.ID, bootConfig, att)
			if err != nil || result == ResultRequeue {
				return result, err
			}
			rebootOwed = true
			// Re-read the config so a second attachment appends to the
			// interface list we just extended.
			configs, err = a.cloud.ListConfigs(ctx, instance.ID)
			if err != nil {
				return ResultReady, fmt.Errorf("failed to re-read instance configs: %w", err)
			}
			if len(configs) == 0 {
				return ResultReady, fmt.Errorf("instance %d has no boot config", instance.ID)
			}
			bootConfig = configs[0]
		}
	}

	if rebootOwed {
		if err := a.coordinatedReboot(ctx, logger, instance.ID, bootConfig.ID); err != nil {
			return ResultReady, err
		}
		return ResultRebootRequested, nil
	}

	logger.Info().Msg("node attachment complete, no reboot needed")
	return ResultReady, nil
}

// findSelf resolves this node's cloud instance. The node name usually equals
// the instance label, but some provisioning flows relabel instances; the node
// IP is the fallback identity when one is configured.
func (a *Agent) findSelf(ctx context.Context) (*cloud.Instance, error) {
	instance, err := a.cloud.FindInstanceByLabel(ctx, a.cfg.NodeName)
	if err == nil {
		return instance, nil
	}
	if a.cfg.NodeIP == "" {
		return nil, err
	}
	log.Warn().Err(err).Msgf("instance lookup by label %s failed, trying ip %s", a.cfg.NodeName, a.cfg.NodeIP)
	return a.cloud.FindInstanceByIP(ctx, a.cfg.NodeIP)
}

// attach allocates an address and appends the VLAN interface to the boot
// config. Allocation is bounded-retry: exhaustion or persistent failure
// requeues the whole evaluation rather than crash-looping.
func (a *Agent) attach(
	ctx context.Context,
	logger zerolog.Logger,
	instanceID int,
	bootConfig cloud.InstanceConfig,
	att attachment,
) (Result, error) {
	var allocated string
	err := retry.Bounded(ctx, allocAttempts, allocBackoff, func() error {
		var err error
		allocated, err = a.alloc.Allocate(ctx, att.subnetCIDR)
		if errors.Is(err, allocclient.ErrExhausted) {
			// An exhausted pool will not heal within the retry window.
			return retry.Unrecoverable(err)
		}
		return err
	})
	if errors.Is(err, allocclient.ErrExhausted) {
		logger.Error().Msgf("subnet %s exhausted", att.subnetCIDR)
		return ResultRequeue, nil
	}
	if err != nil {
		logger.Error().Err(err).Msgf("allocation failed after %d attempts", allocAttempts)
		return ResultRequeue, nil
	}
	logger.Info().Msgf("allocated %s for vlan %s", allocated, att.vlanLabel)

	iface := cloud.Interface{
		Purpose:     cloud.PurposeVLAN,
		Label:       att.vlanLabel,
		IPAMAddress: allocated,
	}
	if err := a.cloud.AppendInterface(ctx, instanceID, bootConfig, iface); err != nil {
		return ResultReady, fmt.Errorf("failed to attach vlan interface: %w", err)
	}

	// Verify by observation, not by the call's reported outcome: the attach
	// may have succeeded even if the response was lost.
	err = retry.Bounded(ctx, 3, verifyBackoff, func() error {
		configs, err := a.cloud.ListConfigs(ctx, instanceID)
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			return fmt.Errorf("instance %d has no boot config", instanceID)
		}
		obs := Observe(configs[0], nil, att.vlanLabel)
		if obs.State == StateUnattached {
			return fmt.Errorf("vlan %s not present in config after attach", att.vlanLabel)
		}
		return nil
	})
	if err != nil {
		return ResultReady, fmt.Errorf("failed to verify vlan attachment: %w", err)
	}
	return ResultRebootRequested, nil
}

// coordinatedReboot serializes reboots of critical-service hosts via the
// reboot lock, marks release-skip locally, and requests the reboot.
func (a *Agent) coordinatedReboot(ctx context.Context, logger zerolog.Logger, instanceID, configID int) error {
	critical, err := a.hostsCriticalService(ctx)
	if err != nil {
		return err
	}
	if critical {
		logger.Info().Msgf("node hosts critical service (%s), serializing reboot", a.cfg.CriticalServiceSelector)
		if err := a.lock.Acquire(ctx); err != nil {
			return err
		}
	}

	// The marker tells the teardown handler to keep the lease: the address
	// must survive the reboot.
	if err := writeMarker(a.cfg.RebootMarkerPath); err != nil {
		return fmt.Errorf("failed to write reboot marker: %w", err)
	}

	logger.Warn().Msgf("requesting reboot of instance %d", instanceID)
	// Must eventually succeed: a node that gives up on an owed reboot stays
	// misconfigured forever.
	return retry.Unbounded(ctx, 10*time.Second, func() error {
		return a.cloud.RebootInstance(ctx, instanceID, configID)
	})
}

func (a *Agent) hostsCriticalService(ctx context.Context) (bool, error) {
	if a.cfg.CriticalServiceSelector == "" {
		return false, nil
	}
	pods, err := a.directory.ListPodsByLabel(ctx, a.cfg.CriticalServiceSelector)
	if err != nil {
		return false, fmt.Errorf("failed to list critical service pods: %w", err)
	}
	for _, pod := range pods {
		if pod.NodeName == a.cfg.NodeName {
			return true, nil
		}
	}
	return false, nil
}

// Teardown runs on graceful (non-reboot) shutdown: it releases the node's
// allocated addresses. A pending reboot marker skips release entirely.
func (a *Agent) Teardown(ctx context.Context) error {
	if markerExists(a.cfg.RebootMarkerPath) {
		log.Info().Msg("reboot pending, keeping address lease across reboot")
		return nil
	}

	instance, err := a.findSelf(ctx)
	if err != nil {
		return fmt.Errorf("failed to find own instance: %w", err)
	}
	configs, err := a.cloud.ListConfigs(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to list instance configs: %w", err)
	}
	if len(configs) == 0 {
		return nil
	}
	for _, att := range a.attachments {
		obs := Observe(configs[0], nil, att.vlanLabel)
		if obs.IPAMAddress == "" {
			continue
		}
		if err := a.alloc.Release(ctx, obs.IPAMAddress); err != nil {
			return fmt.Errorf("failed to release %s: %w", obs.IPAMAddress, err)
		}
		log.Info().Msgf("released %s on teardown", obs.IPAMAddress)
	}
	return nil
}
