package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/udev-audio-mapper/internal/resolve"
	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

// SymlinkNamespace is the directory under /dev where device symlinks are
// created.
const SymlinkNamespace = "sound/by-id"

// Record is one committed rule set: a comment line plus one to three rule
// lines of increasing specificity. Records are only ever appended to the
// rule file, never rewritten; removal is a manual operation.
type Record struct {
	Comment      string
	BasicRule    string
	PortRule     string
	PlatformRule string
}

// Lines returns the rule lines present in the record, tier 1 first.
func (r Record) Lines() []string {
	lines := []string{r.BasicRule}
	if r.PortRule != "" {
		lines = append(lines, r.PortRule)
	}
	if r.PlatformRule != "" {
		lines = append(lines, r.PlatformRule)
	}
	return lines
}

// Text renders the record as it appears in the rule file: the comment, the
// rule lines, and a trailing blank line separating it from the next record.
func (r Record) Text() string {
	var sb strings.Builder
	sb.WriteString(r.Comment)
	sb.WriteString("\n")
	for _, line := range r.Lines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// Input carries everything synthesis needs. VendorID and ProductID must
// already be normalized; PortToken is empty when no trustworthy token exists
// (synthetic tokens are recorded in the identity but never matched on);
// PlatformPath is empty when the platform tier could not be derived.
type Input struct {
	Attrs        usb.DeviceAttributes
	Name         FriendlyName
	Identity     resolve.Identity
	PortToken    string
	PlatformPath string
	CardLabel    string
	Now          time.Time
}

// Synthesize builds the rule record for a resolved device. Pure string
// assembly, no I/O; id validation is the caller's precondition.
//
// Three tiers ship because no single match format works everywhere: the
// id-only rule always matches but cannot separate identical devices, the
// KERNELS rule pins the physical port but its format varies across
// distributions, and the ID_PATH rule is the most portable but not always
// derivable. Every line assigns the friendly name as both the card id and
// the symlink leaf so repeated application is idempotent.
func Synthesize(in Input) Record {
	tail := fmt.Sprintf(`ATTRS{idVendor}=="%s", ATTRS{idProduct}=="%s", SYMLINK+="%s/%s", ATTR{id}="%s"`,
		in.Attrs.VendorID, in.Attrs.ProductID, SymlinkNamespace, in.Name, in.Name)

	rec := Record{
		Comment:   synthComment(in),
		BasicRule: `SUBSYSTEM=="sound", ` + tail,
	}
	if in.PortToken != "" {
		rec.PortRule = fmt.Sprintf(`SUBSYSTEM=="sound", KERNELS=="%s", %s`, in.PortToken, tail)
	}
	if in.PlatformPath != "" {
		rec.PlatformRule = fmt.Sprintf(`SUBSYSTEM=="sound", ENV{ID_PATH}=="%s", %s`, in.PlatformPath, tail)
	}
	return rec
}

func synthComment(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s: %s:%s", in.Name, in.Attrs.VendorID, in.Attrs.ProductID)
	if in.CardLabel != "" {
		fmt.Fprintf(&sb, " (%s)", in.CardLabel)
	}
	fmt.Fprintf(&sb, " identity=%s", in.Identity)
	if !in.Identity.Stable() {
		sb.WriteString(" [not reboot-stable: no serial]")
	}
	fmt.Fprintf(&sb, " created=%s", in.Now.Format(time.RFC3339))
	return sb.String()
}
