package lifecycle

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openqos/shaperd/pkg/config"
	"github.com/openqos/shaperd/pkg/log"
)

// TuneInterface applies the ethtool/sysctl knobs (offloads, VLAN
// filters, channel counts, sysctls), running each ethtool command and
// the sysctl write as its own child process. It does not set IRQ
// coalescing.
func TuneInterface(iface string, t config.Tuning) error {
	var cmds [][]string

	if t.DisableOffload {
		cmds = append(cmds, []string{"ethtool", "-K", iface, "gro", "off", "gso", "off", "tso", "off"})
	}
	if t.DisableRxVLANFilter {
		cmds = append(cmds, []string{"ethtool", "-K", iface, "rxvlan", "off"})
	}
	if t.DisableTxVLANFilter {
		cmds = append(cmds, []string{"ethtool", "-K", iface, "txvlan", "off"})
	}
	if t.RXQueues != nil || t.TXQueues != nil {
		ring := []string{"ethtool", "-L", iface}
		if t.RXQueues != nil {
			ring = append(ring, "rx", fmt.Sprintf("%d", *t.RXQueues))
		}
		if t.TXQueues != nil {
			ring = append(ring, "tx", fmt.Sprintf("%d", *t.TXQueues))
		}
		cmds = append(cmds, ring)
	}

	var sysctls []string
	if t.NetdevBudgetUsecs != nil {
		sysctls = append(sysctls, fmt.Sprintf("net.core.netdev_budget_usecs=%d", *t.NetdevBudgetUsecs))
	}
	if t.NetdevBudgetPackets != nil {
		sysctls = append(sysctls, fmt.Sprintf("net.core.netdev_budget=%d", *t.NetdevBudgetPackets))
	}
	sysctls = append(sysctls, t.ExtraSysctls...)

	for _, cmd := range cmds {
		if err := run(cmd[0], cmd[1:]...); err != nil {
			log.With("lifecycle").Warn().Err(err).Strs("cmd", cmd).Msg("interface tuning command failed; continuing")
		}
	}
	if len(sysctls) > 0 {
		args := append([]string{"-w"}, sysctls...)
		if err := run("sysctl", args...); err != nil {
			log.With("lifecycle").Warn().Err(err).Strs("sysctls", sysctls).Msg("sysctl tuning failed; continuing")
		}
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}
