package mapper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/udev-audio-mapper/internal/alsa"
	"github.com/tomtom215/udev-audio-mapper/internal/resolve"
	"github.com/tomtom215/udev-audio-mapper/internal/rules"
	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

type fakeProps struct {
	props map[string]map[string]string
}

func (f *fakeProps) Properties(_ context.Context, devNode string) (map[string]string, error) {
	if p, ok := f.props[devNode]; ok {
		return p, nil
	}
	return nil, errors.New("unknown device")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newMapper builds a mapper over a fixture sysfs tree and an in-memory
// property database, committing into a temp rules dir. Reload is always
// skipped: unit tests never touch udevadm.
func newMapper(t *testing.T, sysfsRoot string, props *fakeProps) *Mapper {
	t.Helper()
	rulesDir := t.TempDir()
	if props == nil {
		props = &fakeProps{}
	}
	log := quietLogger()
	return &Mapper{
		Opts: Options{
			RulesDir:    rulesDir,
			ModprobeDir: filepath.Join(rulesDir, "no-such-modprobe-dir"),
			SkipReload:  true,
		},
		Resolve: resolve.Deps{
			Sysfs: usb.Sysfs{Root: sysfsRoot},
			Props: props,
			Log:   log,
		},
		Store: rules.NewStore(rulesDir),
		Udev:  nil, // never reached with SkipReload
		Log:   log,
		Now:   func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func movoCard() alsa.Card {
	return alsa.Card{
		Number:      "1",
		Label:       "UM700",
		Description: "Movo UM700",
		Attrs: usb.DeviceAttributes{
			VendorID:    "2e88",
			ProductID:   "4610",
			ProductName: "Movo UM700",
		},
		Address: usb.Address{Bus: 3, Device: 4},
	}
}

func ruleFileLines(t *testing.T, m *Mapper) []string {
	t.Helper()
	data, err := os.ReadFile(m.Store.Path)
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Nothing resolvable: the committed record is exactly one comment line and
// one id-only rule line.
func TestMapNoPortNoPlatform(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)

	result, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.NoError(t, err)

	assert.True(t, result.LowConfidence())
	assert.False(t, result.Identity.Stable())

	lines := ruleFileLines(t, m)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Contains(t, lines[1], `ATTRS{idVendor}=="2e88"`)
	assert.Contains(t, lines[1], `ATTRS{idProduct}=="4610"`)
	assert.NotContains(t, lines[1], "KERNELS")
	assert.NotContains(t, lines[1], "ID_PATH")
}

// Port and platform both resolvable: three rule tiers, all naming the same
// friendly name.
func TestMapAllTiers(t *testing.T) {
	sysfsRoot := t.TempDir()
	node := filepath.Join(sysfsRoot, "3-4")
	require.NoError(t, os.MkdirAll(node, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(node, "devpath"), []byte("3.4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(node, "serial"), []byte("SN0099\n"), 0o644))

	props := &fakeProps{props: map[string]map[string]string{
		"/dev/bus/usb/003/004": {"ID_PATH": "platform-xhci-hcd.0-usb-0:3.4:1.0"},
	}}
	m := newMapper(t, sysfsRoot, props)

	card := movoCard()
	card.Attrs.Serial = "SN0099"

	result, err := m.Map(context.Background(), card, "movo-mic")
	require.NoError(t, err)

	assert.False(t, result.LowConfidence())
	assert.True(t, result.Identity.Stable())
	assert.Equal(t, "usb-3.4-SN0099", result.Identity.String())

	lines := ruleFileLines(t, m)
	require.Len(t, lines, 4) // comment + three tiers
	assert.Contains(t, lines[2], `KERNELS=="usb-3.4"`)
	assert.Contains(t, lines[3], `ENV{ID_PATH}=="platform-xhci-hcd.0-usb-0:3.4:1.0"`)
	for _, line := range lines[1:] {
		assert.Contains(t, line, "movo-mic")
	}
}

func TestMapRejectsInvalidName(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)

	_, err := m.Map(context.Background(), movoCard(), "My-Mic")
	require.ErrorIs(t, err, ErrValidation)

	// no partial rule may be written
	_, statErr := os.Stat(m.Store.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMapDryRunWritesNothing(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)
	m.Opts.DryRun = true

	result, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Record.BasicRule)

	_, statErr := os.Stat(m.Store.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMapAppendsAcrossRuns(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)

	_, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.NoError(t, err)
	before, err := os.ReadFile(m.Store.Path)
	require.NoError(t, err)

	_, err = m.Map(context.Background(), movoCard(), "movo-mic-b")
	require.NoError(t, err)
	after, err := os.ReadFile(m.Store.Path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)))
	assert.Contains(t, string(after), "movo-mic-b")
}

// The attribute walk came up empty but the sysfs node carries a serial:
// the identity must still come out stable.
func TestMapFillsSerialFromSysfs(t *testing.T) {
	sysfsRoot := t.TempDir()
	node := filepath.Join(sysfsRoot, "3-4")
	require.NoError(t, os.MkdirAll(node, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(node, "devpath"), []byte("3.4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(node, "serial"), []byte("SN0099\n"), 0o644))

	m := newMapper(t, sysfsRoot, nil)

	result, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.NoError(t, err)

	assert.True(t, result.Identity.Stable())
	assert.Equal(t, "usb-3.4-SN0099", result.Identity.String())
	assert.Equal(t, "SN0099", result.Card.Attrs.Serial)
}

// The disambiguator hash and the record comment must carry the same
// timestamp, so the clock is read exactly once per mapping.
func TestMapSamplesClockOnce(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)

	var reads int
	m.Now = func() time.Time {
		reads++
		return time.Date(2026, 8, 1, 12, 0, 0, reads, time.UTC)
	}

	_, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.NoError(t, err)
	assert.Equal(t, 1, reads)
}

// One card failing validation must not stop the cards after it from being
// mapped.
func TestMapAllContinuesPastFailure(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)

	bad := movoCard()
	good := movoCard()
	good.Number = "2"

	names := map[string]string{"1": "My-Mic", "2": "movo-mic"}
	results, failures := m.MapAll(context.Background(), []alsa.Card{bad, good}, func(card alsa.Card) string {
		return names[card.Number]
	})

	require.Len(t, failures, 1)
	assert.Equal(t, "1", failures[0].Card.Number)
	assert.ErrorIs(t, failures[0].Err, ErrValidation)

	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].Card.Number)

	lines := ruleFileLines(t, m)
	require.NotEmpty(t, lines)
	assert.Contains(t, strings.Join(lines, "\n"), `SYMLINK+="sound/by-id/movo-mic"`)
}

// A broken rule store fails every card but still visits them all.
func TestMapAllReportsEveryFailure(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)
	m.Store = rules.Store{Path: filepath.Join(m.Opts.RulesDir, "missing-dir", rules.RuleFileName)}

	second := movoCard()
	second.Number = "2"

	results, failures := m.MapAll(context.Background(), []alsa.Card{movoCard(), second}, func(alsa.Card) string {
		return "movo-mic"
	})

	assert.Empty(t, results)
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.ErrorIs(t, f.Err, rules.ErrRuleInstall)
	}
}

func TestMapSurfacesStoreFailure(t *testing.T) {
	m := newMapper(t, t.TempDir(), nil)
	m.Store = rules.Store{Path: filepath.Join(m.Opts.RulesDir, "missing-dir", rules.RuleFileName)}

	_, err := m.Map(context.Background(), movoCard(), "movo-mic")
	require.ErrorIs(t, err, rules.ErrRuleInstall)
}
