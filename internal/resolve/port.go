// Package resolve derives a stable physical identity for a USB device from
// whichever data sources the running system actually provides. Sources are
// probed in decreasing order of confidence; a missing source is never an
// error, the chain just moves on.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tomtom215/udev-audio-mapper/internal/udevdb"
	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

// Tier identifies which source produced a port token. Higher tiers carry
// less confidence; TierSynthetic carries no real topology meaning at all.
type Tier int

const (
	TierNone Tier = iota
	TierDevpathAttr
	TierCanonicalPath
	TierSysfsScan
	TierPropertyDB
	TierSynthetic
)

func (t Tier) String() string {
	switch t {
	case TierDevpathAttr:
		return "devpath-attribute"
	case TierCanonicalPath:
		return "canonical-path"
	case TierSysfsScan:
		return "sysfs-scan"
	case TierPropertyDB:
		return "property-db"
	case TierSynthetic:
		return "synthetic"
	default:
		return "none"
	}
}

// Deps are the data sources the resolvers read from.
type Deps struct {
	Sysfs usb.Sysfs
	Props udevdb.Querier
	Log   *slog.Logger
}

// strategy is one probe in the ordered fallback chain.
type strategy struct {
	tier  Tier
	probe func(ctx context.Context) (string, bool)
}

// topologyPattern matches the trailing "<bus>-<port>[.<port>]*" segment of a
// sysfs device path.
var topologyPattern = regexp.MustCompile(`(\d+-\d+(?:\.\d+)*)$`)

// Port resolves the physical-port token for the device at bus/device. The
// returned tier tells the caller how much to trust it; TierSynthetic tokens
// are non-empty but encode no real topology.
func Port(ctx context.Context, deps Deps, bus, device int) (string, Tier) {
	for _, s := range portStrategies(deps, bus, device) {
		token, ok := s.probe(ctx)
		if !ok {
			deps.Log.Debug("port source empty", "tier", s.tier.String(), "bus", bus, "device", device)
			continue
		}
		deps.Log.Debug("port resolved", "tier", s.tier.String(), "token", token)
		return token, s.tier
	}
	// unreachable: the synthetic strategy always produces a token
	return "", TierNone
}

// portStrategies builds the ordered chain. Cheap high-confidence reads come
// first so the common case (modern kernel, populated attribute files)
// resolves in one step.
func portStrategies(deps Deps, bus, device int) []strategy {
	return []strategy{
		{TierDevpathAttr, func(ctx context.Context) (string, bool) {
			node, ok := deps.Sysfs.Locate(bus, device)
			if !ok {
				return "", false
			}
			devpath, ok := deps.Sysfs.Attr(node, "devpath")
			if !ok {
				return "", false
			}
			return sanitizeToken("usb-" + devpath), true
		}},
		{TierCanonicalPath, func(ctx context.Context) (string, bool) {
			node, ok := deps.Sysfs.Locate(bus, device)
			if !ok {
				return "", false
			}
			canonical, err := filepath.EvalSymlinks(node)
			if err != nil {
				return "", false
			}
			return tokenFromPath(canonical)
		}},
		{TierSysfsScan, func(ctx context.Context) (string, bool) {
			var token string
			deps.Sysfs.Scan(func(nodePath string) bool {
				addr, ok := deps.Sysfs.AddressOf(nodePath)
				if !ok || addr.Bus != bus || addr.Device != device {
					return false
				}
				token, ok = tokenFromPath(nodePath)
				return ok
			})
			return token, token != ""
		}},
		{TierPropertyDB, func(ctx context.Context) (string, bool) {
			devNode := fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, device)
			props, err := deps.Props.Properties(ctx, devNode)
			if err != nil {
				return "", false
			}
			devPath, ok := props[udevdb.KeyDevPath]
			if !ok {
				return "", false
			}
			return tokenFromPath(devPath)
		}},
		{TierSynthetic, func(ctx context.Context) (string, bool) {
			return fmt.Sprintf("usb-bus%d-port%d", bus, device), true
		}},
	}
}

// tokenFromPath extracts the trailing topology segment from a sysfs-style
// path and folds it into token form: "…/usb3/3-4.1" becomes "usb-3.4.1".
func tokenFromPath(path string) (string, bool) {
	m := topologyPattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	segment := strings.Replace(m[1], "-", ".", 1)
	return sanitizeToken("usb-" + segment), true
}

// sanitizeToken strips characters that would need escaping in a rule file
// value match.
func sanitizeToken(token string) string {
	token = strings.TrimSpace(token)
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, token)
}
