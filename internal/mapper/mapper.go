// Package mapper runs the full resolution-and-synthesis pipeline for one
// sound card: resolve the physical port, disambiguate the identity, derive
// the platform path, synthesize the rule record and commit it.
//
// The pipeline is strictly sequential; every resolver step is a blocking
// read or subprocess call tried in fallback order. The tool runs once per
// invocation, so there is no parallel fan-out and no retry logic anywhere.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomtom215/udev-audio-mapper/internal/alsa"
	"github.com/tomtom215/udev-audio-mapper/internal/resolve"
	"github.com/tomtom215/udev-audio-mapper/internal/rules"
	"github.com/tomtom215/udev-audio-mapper/internal/udevctl"
)

// ErrValidation wraps caller-supplied input that fails a format invariant.
// Fatal to the current device; no partial rule is written.
var ErrValidation = errors.New("invalid input")

// Options configure one mapper instance.
type Options struct {
	RulesDir    string
	ModprobeDir string
	DryRun      bool
	SkipReload  bool
}

// Mapper wires the resolvers to the rule store and the device manager.
type Mapper struct {
	Opts    Options
	Resolve resolve.Deps
	Store   rules.Store
	Udev    *udevctl.Controller
	Log     *slog.Logger
	Now     func() time.Time
}

// Result reports what one mapping produced.
type Result struct {
	Card     alsa.Card
	Name     rules.FriendlyName
	Identity resolve.Identity
	Tier     resolve.Tier
	Record   rules.Record
	RulePath string
	// Verified is set when the device manager confirmed the new id.
	Verified bool
}

// LowConfidence reports whether the port token carries no real topology.
func (r Result) LowConfidence() bool {
	return r.Tier == resolve.TierSynthetic
}

// Map resolves one card and commits its rule record. A synthetic port token
// or a missing platform path degrade the record rather than failing it; only
// validation and rule-store I/O abort.
func (m *Mapper) Map(ctx context.Context, card alsa.Card, name string) (Result, error) {
	friendly, err := rules.ParseFriendlyName(name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	res := Result{Card: card, Name: friendly, RulePath: m.Store.Path}

	bus, device := card.Address.Bus, card.Address.Device
	token, tier := resolve.Port(ctx, m.Resolve, bus, device)
	res.Tier = tier

	// The attribute walk misses the serial on some devices; the sysfs node
	// is a second source before giving up on a stable identity.
	if card.Attrs.Serial == "" {
		if node, ok := m.Resolve.Sysfs.Locate(bus, device); ok {
			sysAttrs := m.Resolve.Sysfs.DeviceAttrs(node)
			if sysAttrs.Serial != "" {
				card.Attrs.Serial = sysAttrs.Serial
			}
			if card.Attrs.ProductName == "" {
				card.Attrs.ProductName = sysAttrs.ProductName
			}
			res.Card = card
		}
	}

	now := m.Now()
	res.Identity = resolve.Disambiguate(token, card.Attrs.Serial, card.Attrs.ProductName, bus, device, now)
	if !res.Identity.Stable() {
		m.Log.Warn("device has no serial number; identity will not survive a replug, "+
			"re-running the mapper later may add a second rule entry",
			"card", card.Number, "identity", res.Identity.String())
	}

	// A synthetic token matches nothing on a real system; keep it in the
	// identity for the record comment but never emit a KERNELS rule for it.
	matchToken := token
	if tier == resolve.TierSynthetic {
		m.Log.Warn("physical port could not be resolved; rule will match on ids only",
			"card", card.Number, "token", token)
		matchToken = ""
	}

	platformPath, _ := resolve.Platform(ctx, m.Resolve, bus, device, token, card.Number)

	res.Record = rules.Synthesize(rules.Input{
		Attrs:        card.Attrs,
		Name:         friendly,
		Identity:     res.Identity,
		PortToken:    matchToken,
		PlatformPath: platformPath,
		CardLabel:    card.Label,
		Now:          now,
	})

	if m.Opts.DryRun {
		m.Log.Info("dry run: rule not written", "path", m.Store.Path)
		return res, nil
	}

	if err := m.Store.Commit(res.Record); err != nil {
		return res, err
	}
	m.Log.Info("rule committed", "path", m.Store.Path, "name", string(friendly))

	if err := udevctl.WriteModprobeConfig(m.Opts.ModprobeDir, card.Attrs.VendorID, card.Attrs.ProductID, card.Description); err != nil {
		// compatibility shim only, never fatal
		m.Log.Warn("failed to write modprobe configuration", "error", err)
	}

	if !m.Opts.SkipReload {
		if err := m.Udev.Reload(ctx); err != nil {
			return res, fmt.Errorf("rule written but reload failed: %w", err)
		}
		res.Verified = m.Udev.Verify(ctx, card.Number, string(friendly))
	}

	return res, nil
}

// CardError pairs a card with the error that stopped its mapping.
type CardError struct {
	Card alsa.Card
	Err  error
}

// MapAll maps every card, deriving each name through nameFor. A card that
// fails validation or commit is recorded and skipped; the run never aborts
// early. Results and failures come back in card order.
func (m *Mapper) MapAll(ctx context.Context, cards []alsa.Card, nameFor func(alsa.Card) string) ([]Result, []CardError) {
	var results []Result
	var failures []CardError

	for _, card := range cards {
		result, err := m.Map(ctx, card, nameFor(card))
		if err != nil {
			m.Log.Error("mapping failed", "card", card.Number, "error", err)
			failures = append(failures, CardError{Card: card, Err: err})
			continue
		}
		results = append(results, result)
	}

	return results, failures
}
