package usb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where the kernel exposes USB device nodes.
const DefaultSysfsRoot = "/sys/bus/usb/devices"

// Sysfs reads attribute files beneath a USB device tree root. The root is a
// field so tests can point it at a fixture directory.
type Sysfs struct {
	Root string
}

// NewSysfs returns a reader over the live kernel tree.
func NewSysfs() Sysfs {
	return Sysfs{Root: DefaultSysfsRoot}
}

// Locate finds the sysfs node for the device at bus/device. Node naming
// varies across kernel versions, so three schemes are probed: the plain
// "<bus>-<device>" form, the "<bus>-<bus>.<device>" form, and finally any
// "<bus>-*" entry whose devnum file matches.
func (s Sysfs) Locate(bus, device int) (string, bool) {
	candidates := []string{
		filepath.Join(s.Root, strconv.Itoa(bus)+"-"+strconv.Itoa(device)),
		filepath.Join(s.Root, strconv.Itoa(bus)+"-"+strconv.Itoa(bus)+"."+strconv.Itoa(device)),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, true
		}
	}

	matches, err := filepath.Glob(filepath.Join(s.Root, strconv.Itoa(bus)+"-*"))
	if err != nil {
		return "", false
	}
	for _, path := range matches {
		if strings.Contains(filepath.Base(path), ":") {
			// interface nodes like 3-4:1.0 are not device nodes
			continue
		}
		if devnum, ok := s.Attr(path, "devnum"); ok {
			if n, err := strconv.Atoi(devnum); err == nil && n == device {
				return path, true
			}
		}
	}

	return "", false
}

// Attr reads one attribute file beneath a device node, trimming whitespace.
// Absent or unreadable attributes report absent.
func (s Sysfs) Attr(nodePath, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(nodePath, name))
	if err != nil {
		return "", false
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", false
	}
	return value, true
}

// Scan walks every device node under the root and calls fn with the node
// path until fn reports done. Interface nodes are skipped.
func (s Sysfs) Scan(fn func(nodePath string) bool) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ":") {
			continue
		}
		if fn(filepath.Join(s.Root, entry.Name())) {
			return
		}
	}
}

// AddressOf reads the bus and device numbers recorded in a node's busnum
// and devnum attribute files.
func (s Sysfs) AddressOf(nodePath string) (Address, bool) {
	busStr, ok := s.Attr(nodePath, "busnum")
	if !ok {
		return Address{}, false
	}
	devStr, ok := s.Attr(nodePath, "devnum")
	if !ok {
		return Address{}, false
	}

	bus, err := strconv.Atoi(busStr)
	if err != nil {
		return Address{}, false
	}
	device, err := strconv.Atoi(devStr)
	if err != nil {
		return Address{}, false
	}

	return Address{Bus: bus, Device: device}, true
}

// DeviceAttrs reads the optional identification attributes from a located
// node. Vendor and product ids are returned unvalidated; callers normalize.
func (s Sysfs) DeviceAttrs(nodePath string) DeviceAttributes {
	var attrs DeviceAttributes
	attrs.Serial, _ = s.Attr(nodePath, "serial")
	attrs.ProductName, _ = s.Attr(nodePath, "product")
	attrs.VendorID, _ = s.Attr(nodePath, "idVendor")
	attrs.ProductID, _ = s.Attr(nodePath, "idProduct")
	return attrs
}
