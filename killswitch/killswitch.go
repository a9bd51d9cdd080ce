// Package killswitch blocks all outbound traffic that does not leave
// through the tunnel interface.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/yllada/vpn-core/common"
	"github.com/yllada/vpn-core/events"
	"github.com/yllada/vpn-core/route"
)

// tagPrefix marks every rule installed by the kill switch.
const tagPrefix = "vpn-core-ks-"

// State is the persisted kill switch state.
type State struct {
	Enabled   bool   `json:"enabled"`
	Interface string `json:"interface,omitempty"`
	// BackupHandle is the path of the firewall snapshot taken on enable.
	BackupHandle string       `json:"backupHandle,omitempty"`
	Rules        []route.Rule `json:"rules,omitempty"`
}

// KillSwitch installs and removes the blocking rules.
type KillSwitch struct {
	ctrl      route.Controller
	dir       string
	publisher events.Publisher

	mu        sync.Mutex
	state     State
	endpoints []string
}

// New creates a kill switch storing its state in dir. State left behind
// by another process is loaded so it can be disabled from here.
func New(ctrl route.Controller, dir string, publisher events.Publisher) *KillSwitch {
	if publisher == nil {
		publisher = events.Discard
	}
	ks := &KillSwitch{ctrl: ctrl, dir: dir, publisher: publisher}
	if err := common.ReadJSON(ks.statePath(), &ks.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		common.LogWarn("Ignoring unreadable kill switch state: %v", err)
		ks.state = State{}
	}
	return ks
}

func (ks *KillSwitch) statePath() string {
	return filepath.Join(ks.dir, common.KillSwitchStateFileName)
}

func (ks *KillSwitch) backupPath() string {
	return filepath.Join(ks.dir, common.KillSwitchBackupFileName)
}

// SetAllowedEndpoints lists server addresses that stay reachable outside
// the tunnel so the tunnel itself can reconnect. It applies to the next
// Enable.
func (ks *KillSwitch) SetAllowedEndpoints(addrs []string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.endpoints = append([]string(nil), addrs...)
}

// IsEnabled reports whether the kill switch rules are installed.
func (ks *KillSwitch) IsEnabled() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.Enabled
}

// State returns a copy of the current state.
func (ks *KillSwitch) State() State {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s := ks.state
	s.Rules = append([]route.Rule(nil), ks.state.Rules...)
	return s
}

// Enable blocks all outbound traffic except on iface. Calling it while
// enabled succeeds without touching the firewall.
func (ks *KillSwitch) Enable(ctx context.Context, iface string) common.Result {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state.Enabled {
		return common.OK("Kill switch already enabled")
	}
	if iface == "" {
		return common.Fail(fmt.Errorf("tunnel interface is required"))
	}

	var warnings []string
	backup := ""
	if err := ks.backup(ctx); err != nil {
		common.LogWarn("Kill switch: firewall backup failed, continuing without restore point: %v", err)
		warnings = append(warnings, fmt.Sprintf("firewall backup failed: %v", err))
	} else {
		backup = ks.backupPath()
	}

	rules := ks.plan(iface)
	var installed []route.Rule
	for _, r := range rules {
		if err := ks.ctrl.AddFirewallRule(ctx, r); err != nil {
			common.LogError("Kill switch: failed to install %s: %v", r.Tag, err)
			ks.rollback(ctx, installed)
			return common.Fail(fmt.Errorf("%w: %s: %v", common.ErrRouteInstallFailed, r.Tag, err)).WithWarnings(warnings...)
		}
		installed = append(installed, r)
	}

	ks.state = State{Enabled: true, Interface: iface, BackupHandle: backup, Rules: installed}
	ks.persist()

	common.LogInfo("Kill switch enabled on %s (%d rules)", iface, len(installed))
	ks.publisher.Publish(events.Event{Type: events.KillSwitchChanged, Source: "killswitch", Message: "enabled", Data: true})
	return common.OK(fmt.Sprintf("Kill switch enabled on %s", iface)).WithWarnings(warnings...)
}

// plan returns the rules in install order: an IPv4 block, then an IPv6
// block. In each block the allow rules sit above the deny-all rule so the
// tunnel never loses its own traffic, and positions count within the
// block's family.
func (ks *KillSwitch) plan(iface string) []route.Rule {
	var rules []route.Rule
	for _, family := range []route.Family{route.IPv4, route.IPv6} {
		suffix := ""
		if family == route.IPv6 {
			suffix = "-v6"
		}
		block := []route.Rule{
			{Action: route.Accept, Interface: ks.ctrl.LoopbackInterface(), Family: family, Tag: tagPrefix + "loopback" + suffix},
			{Action: route.Accept, Interface: iface, Family: family, Tag: tagPrefix + "tunnel" + suffix},
		}
		for _, ep := range ks.endpoints {
			dst := route.NormalizeDestination(ep)
			if dst == "" || route.FamilyOf(dst) != family {
				continue
			}
			block = append(block, route.Rule{Action: route.Accept, Destination: dst, Family: family, Tag: tagPrefix + "endpoint-" + dst})
		}
		block = append(block, route.Rule{Action: route.Drop, Family: family, Tag: tagPrefix + "deny" + suffix})
		for i := range block {
			block[i].Position = i + 1
		}
		rules = append(rules, block...)
	}
	return rules
}

func (ks *KillSwitch) backup(ctx context.Context) error {
	snap, err := ks.ctrl.Snapshot(ctx)
	if err != nil {
		return err
	}
	return common.WriteJSON(ks.backupPath(), snap)
}

// rollback removes partially installed rules after a failed Enable.
func (ks *KillSwitch) rollback(ctx context.Context, installed []route.Rule) {
	for i := len(installed) - 1; i >= 0; i-- {
		if err := ks.ctrl.DeleteFirewallRule(ctx, installed[i]); err != nil && !errors.Is(err, route.ErrNotFound) {
			common.LogWarn("Kill switch: rollback of %s failed: %v", installed[i].Tag, err)
		}
	}
}

// Disable removes the kill switch rules and restores the backup. It always
// succeeds: rules that are already gone count as removed, and rules that
// fail to be removed are reported as RuleRemovalFailed warnings, stay
// recorded and are retried by the next Disable. Calling it while disabled
// succeeds without touching the firewall.
func (ks *KillSwitch) Disable(ctx context.Context) common.Result {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.state.Enabled && len(ks.state.Rules) == 0 {
		return common.OK("Kill switch already disabled")
	}

	var (
		failures []string
		leftover []route.Rule
	)
	rules := ks.state.Rules
	for i := len(rules) - 1; i >= 0; i-- {
		err := ks.ctrl.DeleteFirewallRule(ctx, rules[i])
		switch {
		case err == nil:
		case errors.Is(err, route.ErrNotFound):
			common.LogDebug("Kill switch: rule %s already absent", rules[i].Tag)
		default:
			common.LogError("Kill switch: failed to remove %s: %v", rules[i].Tag, err)
			failures = append(failures, fmt.Sprintf("%v: %s: %v", common.ErrRuleRemovalFailed, rules[i].Tag, err))
			leftover = append([]route.Rule{rules[i]}, leftover...)
		}
	}

	var warnings []string
	if ks.state.BackupHandle != "" {
		if err := ks.restore(ctx, ks.state.BackupHandle); err != nil {
			common.LogWarn("Kill switch: could not restore firewall backup: %v", err)
			warnings = append(warnings, fmt.Sprintf("firewall restore failed: %v", err))
		} else {
			_ = os.Remove(ks.state.BackupHandle)
		}
	}

	ks.state = State{Rules: leftover}
	ks.persist()
	ks.publisher.Publish(events.Event{Type: events.KillSwitchChanged, Source: "killswitch", Message: "disabled", Data: false})

	if len(failures) > 0 {
		common.LogWarn("Kill switch disabled with %d rule(s) left installed", len(failures))
		return common.OK("Kill switch disabled; some rules could not be removed").WithWarnings(append(failures, warnings...)...)
	}
	common.LogInfo("Kill switch disabled")
	return common.OK("Kill switch disabled").WithWarnings(warnings...)
}

func (ks *KillSwitch) restore(ctx context.Context, path string) error {
	var snap route.Snapshot
	if err := common.ReadJSON(path, &snap); err != nil {
		return err
	}
	return ks.ctrl.Restore(ctx, &snap)
}

func (ks *KillSwitch) persist() {
	if err := common.WriteJSON(ks.statePath(), ks.state); err != nil {
		common.LogWarn("Kill switch: failed to persist state: %v", err)
	}
}
