package resolve

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// disambiguatorLen is the length of the suffix appended to a port token.
const disambiguatorLen = 8

// Identity is the final unique identifier for a resolved device: the port
// token plus a short suffix separating otherwise-identical devices.
//
// When the device exposes a serial number the identity is stable across
// reboots. Without one, the suffix is hashed over the current timestamp and
// the identity only holds for the current resolution run; reconnecting the
// same hardware later produces a different identity. That is a hardware-data
// limitation, not something this package can repair.
type Identity struct {
	PortToken     string
	Disambiguator string

	// FromSerial records which branch produced the disambiguator.
	FromSerial bool
}

func (i Identity) String() string {
	return i.PortToken + "-" + i.Disambiguator
}

// Stable reports whether the identity survives a reboot, i.e. whether the
// disambiguator came from a serial number.
func (i Identity) Stable() bool {
	return i.FromSerial
}

// Disambiguate produces the identity for a resolved port token. The serial
// branch is deterministic; the serial-less branch deliberately mixes in the
// clock so that two runs never alias distinct hardware to one identity.
func Disambiguate(portToken, serial, productName string, bus, device int, now time.Time) Identity {
	serial = strings.TrimSpace(serial)
	if serial != "" {
		suffix := serial
		if len(suffix) > disambiguatorLen {
			suffix = suffix[:disambiguatorLen]
		}
		return Identity{PortToken: portToken, Disambiguator: sanitizeToken(suffix), FromSerial: true}
	}

	sum := blake3.Sum256([]byte(fmt.Sprintf("%d%d%s%d", bus, device, productName, now.UnixNano())))
	return Identity{PortToken: portToken, Disambiguator: hex.EncodeToString(sum[:disambiguatorLen/2])}
}
