// Package alsa enumerates the system's USB sound cards and fills in their
// identification attributes from the udev database.
package alsa

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tomtom215/udev-audio-mapper/internal/sysexec"
	"github.com/tomtom215/udev-audio-mapper/internal/udevdb"
	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

// ErrNoUSBSoundCards indicates the system has no USB sound cards attached.
var ErrNoUSBSoundCards = errors.New("no USB sound cards found")

// Card is one USB sound card with everything the mapper needs to resolve
// and label it. Address and KernelsPath are best-effort and may be zero.
type Card struct {
	Number      string
	Label       string
	Description string
	Attrs       usb.DeviceAttributes
	Address     usb.Address
	// KernelsPath is the raw topology path from the attribute walk,
	// e.g. "3-4" or "1-1.4".
	KernelsPath string
}

// SysfsPath is the card's node in the sound class tree.
func (c Card) SysfsPath() string {
	return "/sys/class/sound/card" + c.Number
}

func (c Card) String() string {
	parts := []string{
		fmt.Sprintf("card %s: %s", c.Number, c.Description),
		fmt.Sprintf("%s:%s", c.Attrs.VendorID, c.Attrs.ProductID),
	}
	if c.Attrs.Serial != "" {
		parts = append(parts, "serial "+c.Attrs.Serial)
	}
	if c.KernelsPath != "" {
		parts = append(parts, "port "+c.KernelsPath)
	}
	return strings.Join(parts, ", ")
}

var cardLinePattern = regexp.MustCompile(`card (\d+): (\S+) \[(.+?)\], device \d+`)

// Lister enumerates cards through aplay and udevadm.
type Lister struct {
	Exec *sysexec.Executor
	Udev *udevdb.Client
	Log  *slog.Logger
}

// ListUSBCards returns every USB sound card the system knows about. Cards
// whose details cannot be read are logged and skipped; only a system with
// zero usable cards is an error.
func (l *Lister) ListUSBCards(ctx context.Context) ([]Card, error) {
	output, err := l.Exec.Run(ctx, "aplay", "-l")
	if err != nil {
		return nil, fmt.Errorf("failed to list sound cards: %w", err)
	}

	entries := usbCardEntries(output)
	if len(entries) == 0 {
		return nil, ErrNoUSBSoundCards
	}

	var cards []Card
	for _, entry := range entries {
		card, err := l.cardDetails(ctx, entry)
		if err != nil {
			l.Log.Warn("skipping card with unreadable details", "card", entry.number, "error", err)
			continue
		}
		cards = append(cards, card)
	}

	if len(cards) == 0 {
		return nil, fmt.Errorf("%w: all detected cards were unreadable", ErrNoUSBSoundCards)
	}

	return cards, nil
}

type cardEntry struct {
	number string
	label  string
}

// usbCardEntries extracts the distinct USB card numbers and their labels
// from `aplay -l` output.
func usbCardEntries(output string) []cardEntry {
	seen := make(map[string]bool)
	var entries []cardEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		matches := cardLinePattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		if !strings.Contains(strings.ToLower(line), "usb") {
			continue
		}
		if !seen[matches[1]] {
			seen[matches[1]] = true
			entries = append(entries, cardEntry{number: matches[1], label: matches[3]})
		}
	}

	return entries
}

// cardDetails fills a card's identification from the udev attribute walk and
// the USB enumeration listing.
func (l *Lister) cardDetails(ctx context.Context, entry cardEntry) (Card, error) {
	card := Card{Number: entry.number, Label: entry.label}

	walk, err := l.Udev.Walk(ctx, card.SysfsPath())
	if err != nil {
		return card, err
	}

	vendorID, err := usb.NormalizeID(walk.VendorID)
	if err != nil {
		return card, fmt.Errorf("card %s vendor id: %w", entry.number, err)
	}
	productID, err := usb.NormalizeID(walk.ProductID)
	if err != nil {
		return card, fmt.Errorf("card %s product id: %w", entry.number, err)
	}

	card.Attrs = usb.DeviceAttributes{
		Serial:    walk.Serial,
		VendorID:  vendorID,
		ProductID: productID,
	}
	card.KernelsPath = walk.Kernels
	card.Address = addressFromKernels(walk.Kernels)

	card.Description = l.describe(ctx, vendorID, productID)

	// The attribute walk misses the serial on some kernels and the
	// enumeration listing has no entry for every device; the property
	// database fills what it can.
	if card.Attrs.Serial == "" || card.Description == "" {
		if props, err := l.Udev.PropertiesByPath(ctx, card.SysfsPath()); err == nil {
			fillFromProperties(&card, props)
		}
	}

	if card.Description == "" {
		card.Description = fmt.Sprintf("USB audio %s:%s", vendorID, productID)
	}
	card.Attrs.ProductName = card.Description

	return card, nil
}

// fillFromProperties completes missing identification fields from a udev
// property set. ID_MODEL encodes spaces as underscores.
func fillFromProperties(card *Card, props map[string]string) {
	if card.Attrs.Serial == "" {
		card.Attrs.Serial = props[udevdb.KeySerial]
	}
	if card.Description == "" {
		card.Description = strings.ReplaceAll(props[udevdb.KeyModel], "_", " ")
	}
}

// addressFromKernels recovers the bus number from a topology path like
// "3-4.1". The device number is not encoded there; it is filled in later
// from the enumeration listing when needed.
func addressFromKernels(kernels string) usb.Address {
	busStr, _, found := strings.Cut(kernels, "-")
	if !found {
		return usb.Address{}
	}
	bus, err := strconv.Atoi(busStr)
	if err != nil {
		return usb.Address{}
	}
	return usb.Address{Bus: bus}
}

var describePattern = regexp.MustCompile(`ID [0-9a-f]{4}:[0-9a-f]{4} (.+)`)

// describe looks up the free-text device name from the enumeration listing.
func (l *Lister) describe(ctx context.Context, vendorID, productID string) string {
	output, err := l.Exec.Run(ctx, "lsusb", "-d", vendorID+":"+productID)
	if err != nil {
		return ""
	}
	m := describePattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// FillAddress completes a card's USB address from the enumeration listing
// when the attribute walk did not yield one.
func FillAddress(card *Card, devices []usb.Device) {
	if card.Address.Device != 0 {
		return
	}
	for _, dev := range devices {
		if dev.VendorID == card.Attrs.VendorID && dev.ProductID == card.Attrs.ProductID {
			if card.Address.Bus == 0 || card.Address.Bus == dev.Address.Bus {
				card.Address = dev.Address
				return
			}
		}
	}
}
