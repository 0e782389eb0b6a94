package resolve

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/tomtom215/udev-audio-mapper/internal/udevdb"
)

// portNumbersPattern pulls the dotted port chain out of a resolved token,
// e.g. "usb-3.4" -> "3.4". Synthetic tokens never match.
var portNumbersPattern = regexp.MustCompile(`usb-(\d+\.\d+(?:\.\d+)*)`)

// Platform derives the controller-qualified device path used for the most
// specific rule tier. All three sources are optional; callers must treat an
// absent result as "skip the platform rule", not as a failure.
func Platform(ctx context.Context, deps Deps, bus, device int, portToken, cardNumber string) (string, bool) {
	// (a) the USB device node itself
	devNode := fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, device)
	if path, ok := idPathFor(ctx, deps, devNode); ok {
		return path, true
	}

	// (b) the sound card's control node
	if cardNumber != "" {
		if path, ok := idPathFor(ctx, deps, "/dev/snd/controlC"+cardNumber); ok {
			return path, true
		}
	}

	// (c) reconstruct from the controller entry and the port token
	ports := portNumbersPattern.FindStringSubmatch(portToken)
	if ports == nil {
		deps.Log.Debug("platform path unresolvable", "token", portToken)
		return "", false
	}
	controller, ok := controllerFor(deps, bus)
	if !ok {
		deps.Log.Debug("no usb controller entry found", "bus", bus)
		return "", false
	}
	return fmt.Sprintf("platform-%s-usb-0:%s:1.0", controller, ports[1]), true
}

func idPathFor(ctx context.Context, deps Deps, devNode string) (string, bool) {
	props, err := deps.Props.Properties(ctx, devNode)
	if err != nil {
		deps.Log.Debug("property query failed", "node", devNode, "error", err)
		return "", false
	}
	path, ok := props[udevdb.KeyIDPath]
	return path, ok && path != ""
}

// controllerFor finds the host controller behind a bus by canonicalizing the
// bus's root-hub entry and taking its parent directory name, e.g.
// "xhci-hcd.0" for a platform controller.
func controllerFor(deps Deps, bus int) (string, bool) {
	rootHub := filepath.Join(deps.Sysfs.Root, "usb"+strconv.Itoa(bus))
	canonical, err := filepath.EvalSymlinks(rootHub)
	if err != nil {
		return "", false
	}
	controller := filepath.Base(filepath.Dir(canonical))
	if controller == "." || controller == "/" || controller == "" {
		return "", false
	}
	return controller, true
}
