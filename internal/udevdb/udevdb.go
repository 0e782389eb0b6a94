// Package udevdb queries the udev property database and parses its output
// formats. Raw command output is parsed once into typed structures; callers
// never scrape the text themselves.
package udevdb

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tomtom215/udev-audio-mapper/internal/sysexec"
)

// Well-known property keys.
const (
	KeyDevPath = "DEVPATH"
	KeyIDPath  = "ID_PATH"
	KeySerial  = "ID_SERIAL_SHORT"
	KeyModel   = "ID_MODEL"
	KeySoundID = "ID_SOUND_ID"
)

// Querier is the subset of the client the resolvers depend on.
type Querier interface {
	Properties(ctx context.Context, devNode string) (map[string]string, error)
}

// Client talks to udevadm.
type Client struct {
	Exec *sysexec.Executor
}

// NewClient wraps an executor.
func NewClient(exec *sysexec.Executor) *Client {
	return &Client{Exec: exec}
}

// Properties returns the udev property set for a device node as a key/value
// map. An empty map with a nil error means the node exists but carries no
// properties; a query failure is returned as an error for the caller to
// treat as a soft miss.
func (c *Client) Properties(ctx context.Context, devNode string) (map[string]string, error) {
	output, err := c.Exec.Run(ctx, "udevadm", "info", "--query=property", "--name="+devNode)
	if err != nil {
		return nil, fmt.Errorf("udev property query for %s: %w", devNode, err)
	}
	return ParseProperties(output), nil
}

// PropertiesByPath is Properties keyed by a /sys path instead of a device
// node.
func (c *Client) PropertiesByPath(ctx context.Context, sysPath string) (map[string]string, error) {
	output, err := c.Exec.Run(ctx, "udevadm", "info", "--query=property", "--path="+sysPath)
	if err != nil {
		return nil, fmt.Errorf("udev property query for %s: %w", sysPath, err)
	}
	return ParseProperties(output), nil
}

// ParseProperties parses `udevadm info --query=property` output. Each line
// is KEY=value; the prefixed "E: " form some udevadm versions emit is
// accepted too. Malformed lines are skipped.
func ParseProperties(output string) map[string]string {
	props := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "E: ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		props[key] = value
	}

	return props
}

// WalkAttributes holds the fields extracted from an attribute walk over a
// sound card's parent chain.
type WalkAttributes struct {
	VendorID  string
	ProductID string
	Serial    string
	// Kernels is the first KERNELS value that looks like a USB topology
	// path, e.g. "3-4" or "1-1.4".
	Kernels string
}

var (
	walkVendorPattern  = regexp.MustCompile(`ATTRS\{idVendor\}=="([^"]*)"`)
	walkProductPattern = regexp.MustCompile(`ATTRS\{idProduct\}=="([^"]*)"`)
	walkSerialPattern  = regexp.MustCompile(`ATTRS\{serial\}=="([^"]*)"`)
	walkKernelsPattern = regexp.MustCompile(`KERNELS=="([0-9]+-[0-9.]+)"`)
)

// Walk runs `udevadm info --attribute-walk` against a /sys path and extracts
// the identification attributes of the nearest USB ancestor. The walk prints
// ancestors closest-first, so only the first hit per field is kept.
func (c *Client) Walk(ctx context.Context, sysPath string) (WalkAttributes, error) {
	output, err := c.Exec.Run(ctx, "udevadm", "info", "--attribute-walk", "--path", sysPath)
	if err != nil {
		return WalkAttributes{}, fmt.Errorf("udev attribute walk for %s: %w", sysPath, err)
	}
	return ParseWalk(output), nil
}

// ParseWalk extracts the first occurrence of each identification attribute
// from attribute-walk output.
func ParseWalk(output string) WalkAttributes {
	var attrs WalkAttributes

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if attrs.VendorID == "" {
			if m := walkVendorPattern.FindStringSubmatch(line); m != nil {
				attrs.VendorID = m[1]
			}
		}
		if attrs.ProductID == "" {
			if m := walkProductPattern.FindStringSubmatch(line); m != nil {
				attrs.ProductID = m[1]
			}
		}
		if attrs.Serial == "" {
			if m := walkSerialPattern.FindStringSubmatch(line); m != nil {
				attrs.Serial = m[1]
			}
		}
		if attrs.Kernels == "" {
			if m := walkKernelsPattern.FindStringSubmatch(line); m != nil {
				attrs.Kernels = m[1]
			}
		}
	}

	return attrs
}
