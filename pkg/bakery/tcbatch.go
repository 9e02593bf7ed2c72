package bakery

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openqos/shaperd/pkg/log"
)

// TCPath is the `tc` binary invoked for batch application, overridable
// in tests.
var TCPath = "/sbin/tc"

// BatchExecutor serializes a set of `tc` command lines into a single
// newline-separated block fed over one child-process stdin pipe: one
// fork+exec per flush instead of one per command.
type BatchExecutor struct {
	// run executes the command, defaulting to a real tc invocation;
	// overridden in tests to avoid shelling out.
	run func(stdin string) error
}

// NewBatchExecutor returns an executor that shells out to TCPath.
func NewBatchExecutor() *BatchExecutor {
	return &BatchExecutor{run: runTCBatch}
}

func runTCBatch(stdin string) error {
	cmd := exec.Command(TCPath, "-f", "-batch", "-")
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bakery: tc batch failed: %w: %s", err, stderr.String())
	}
	return nil
}

// Apply runs every line in lines as a single tc -batch invocation. A
// non-zero exit is logged and returned but must not be treated as
// fatal by callers: the userspace model is the source of truth and
// will reconcile on the next full rebuild.
func (e *BatchExecutor) Apply(purpose string, lines [][]string) error {
	if len(lines) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(strings.Join(line, " "))
		sb.WriteByte('\n')
	}
	log.With("bakery").Info().Int("lines", len(lines)).Str("purpose", purpose).Msg("executing tc batch")
	if err := e.run(sb.String()); err != nil {
		log.With("bakery").Warn().Err(err).Str("purpose", purpose).Msg("tc batch failed; model will reconcile on next rebuild")
		return err
	}
	return nil
}

// ClassAddLine builds a `class add ... htb rate ... ceil ...` command.
func ClassAddLine(iface string, parent, classID ClassID, rateMbps, ceilMbps float64, quantum uint64) []string {
	line := []string{"class", "add", "dev", iface, "parent", parent.String(), "classid", classID.String(),
		"htb", "rate", fmt.Sprintf("%.0fmbit", rateMbps), "ceil", fmt.Sprintf("%.0fmbit", ceilMbps)}
	if quantum > 0 {
		line = append(line, "quantum", fmt.Sprintf("%d", quantum))
	}
	return line
}

// ClassDeleteLine builds a `class del` command.
func ClassDeleteLine(iface string, classID ClassID) []string {
	return []string{"class", "del", "dev", iface, "classid", classID.String()}
}

// ClassChangeRateLine builds a `class change` command used by
// Stormguard's SetParentRate.
func ClassChangeRateLine(iface string, classID ClassID, rateMbps, ceilMbps float64) []string {
	return []string{"class", "change", "dev", iface, "classid", classID.String(),
		"htb", "rate", fmt.Sprintf("%.0fmbit", rateMbps), "ceil", fmt.Sprintf("%.0fmbit", ceilMbps)}
}

// QdiscAddCakeLine builds a `qdisc add ... cake` command with the
// configured SQM parameter list.
func QdiscAddCakeLine(iface string, parent ClassID, sqmParams []string) []string {
	line := []string{"qdisc", "add", "dev", iface, "parent", parent.String(), "cake"}
	return append(line, sqmParams...)
}

// QdiscDeleteLine builds a `qdisc del` command.
func QdiscDeleteLine(iface string, parent ClassID) []string {
	return []string{"qdisc", "del", "dev", iface, "parent", parent.String()}
}
