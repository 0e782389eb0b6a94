// Package usb reads raw facts about attached USB devices: the lsusb
// enumeration listing and per-device sysfs attribute files. Every read is
// best-effort; a missing source is reported as absent, never as a failure.
package usb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tomtom215/udev-audio-mapper/internal/sysexec"
)

// idPattern is the format every vendor/product id must satisfy after
// case folding.
var idPattern = regexp.MustCompile(`^[0-9a-f]{4}$`)

// ErrInvalidID indicates a vendor or product id that is not four hex digits.
var ErrInvalidID = errors.New("id must be exactly four hex digits")

// Address is the transient enumeration slot of a USB device. It changes on
// every replug and must never be treated as a stable identity.
type Address struct {
	Bus    int
	Device int
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%d", a.Bus, a.Device)
}

// DeviceAttributes holds the identification facts readable for one device.
// VendorID and ProductID are mandatory and validated; the rest may be empty.
type DeviceAttributes struct {
	Serial      string
	ProductName string
	VendorID    string
	ProductID   string
}

// NormalizeID case-folds and validates a vendor or product id.
func NormalizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return id, nil
}

// Device is one row of the USB enumeration listing.
type Device struct {
	Address     Address
	VendorID    string
	ProductID   string
	Description string
}

var lsusbPattern = regexp.MustCompile(`Bus (\d{3}) Device (\d{3}): ID ([0-9a-f]{4}):([0-9a-f]{4}) ?(.*)`)

// Enumerate lists all attached USB devices via lsusb.
func Enumerate(ctx context.Context, exec *sysexec.Executor) ([]Device, error) {
	output, err := exec.Run(ctx, "lsusb")
	if err != nil {
		return nil, fmt.Errorf("failed to run lsusb: %w", err)
	}
	return ParseEnumeration(output)
}

// ParseEnumeration parses lsusb listing output.
func ParseEnumeration(output string) ([]Device, error) {
	var devices []Device

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		matches := lsusbPattern.FindStringSubmatch(scanner.Text())
		if matches == nil {
			continue
		}

		bus, err := strconv.Atoi(strings.TrimLeft(matches[1], "0"))
		if err != nil {
			continue
		}
		device, err := strconv.Atoi(strings.TrimLeft(matches[2], "0"))
		if err != nil {
			continue
		}

		devices = append(devices, Device{
			Address:     Address{Bus: bus, Device: device},
			VendorID:    matches[3],
			ProductID:   matches[4],
			Description: strings.TrimSpace(matches[5]),
		})
	}

	if err := scanner.Err(); err != nil {
		return devices, fmt.Errorf("error scanning lsusb output: %w", err)
	}

	return devices, nil
}
