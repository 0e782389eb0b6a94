package resolve

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

func TestPlatformFromUSBDeviceNode(t *testing.T) {
	props := &fakeProps{props: map[string]map[string]string{
		"/dev/bus/usb/003/004": {"ID_PATH": "pci-0000:00:14.0-usb-0:4:1.0"},
	}}
	deps, _ := testDeps(t, props)

	path, ok := Platform(context.Background(), deps, 3, 4, "usb-3.4", "1")
	require.True(t, ok)
	assert.Equal(t, "pci-0000:00:14.0-usb-0:4:1.0", path)
}

func TestPlatformFromControlNode(t *testing.T) {
	props := &fakeProps{props: map[string]map[string]string{
		"/dev/snd/controlC1": {"ID_PATH": "platform-xhci-hcd.0-usb-0:3.4:1.0"},
	}}
	deps, _ := testDeps(t, props)

	path, ok := Platform(context.Background(), deps, 3, 4, "usb-3.4", "1")
	require.True(t, ok)
	assert.Equal(t, "platform-xhci-hcd.0-usb-0:3.4:1.0", path)
}

func TestPlatformSynthesized(t *testing.T) {
	// sysfs root placed inside a controller directory so the root hub's
	// parent carries the controller name
	base := t.TempDir()
	root := filepath.Join(base, "xhci-hcd.0")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usb3"), 0o755))

	deps := Deps{
		Sysfs: usb.Sysfs{Root: root},
		Props: &fakeProps{},
		Log:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	path, ok := Platform(context.Background(), deps, 3, 4, "usb-3.4", "1")
	require.True(t, ok)
	assert.Equal(t, "platform-xhci-hcd.0-usb-0:3.4:1.0", path)
}

func TestPlatformAbsentForSyntheticToken(t *testing.T) {
	deps, _ := testDeps(t, nil)

	_, ok := Platform(context.Background(), deps, 3, 4, "usb-bus3-port4", "")
	assert.False(t, ok)
}

func TestPlatformAbsentWhenNothingResolves(t *testing.T) {
	deps, _ := testDeps(t, nil)

	// token has port numbers but there is no controller entry to anchor them
	_, ok := Platform(context.Background(), deps, 9, 9, "usb-9.9", "")
	assert.False(t, ok)
}
