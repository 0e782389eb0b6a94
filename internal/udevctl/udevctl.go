// Package udevctl drives the device manager: reloading rules, triggering
// them for the sound subsystem, and verifying that an installed mapping
// actually took effect.
package udevctl

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/udev-audio-mapper/internal/sysexec"
	"github.com/tomtom215/udev-audio-mapper/internal/udevdb"
)

// Controller wraps the udevadm plumbing.
type Controller struct {
	Exec *sysexec.Executor
	Log  *slog.Logger
}

// Reload reloads udev rules and re-triggers them for sound devices. The
// sleeps give udev time to process each step; rule application is
// asynchronous and there is no completion signal to wait on.
func (c *Controller) Reload(ctx context.Context) error {
	if _, err := c.Exec.Run(ctx, "udevadm", "control", "--reload-rules"); err != nil {
		return fmt.Errorf("failed to reload udev rules: %w", err)
	}
	time.Sleep(1 * time.Second)

	if _, err := c.Exec.Run(ctx, "udevadm", "trigger", "--action=add", "--subsystem-match=sound"); err != nil {
		return fmt.Errorf("failed to trigger udev rules with add action: %w", err)
	}
	time.Sleep(2 * time.Second)

	if _, err := c.Exec.Run(ctx, "udevadm", "trigger", "--action=change", "--subsystem-match=sound"); err != nil {
		return fmt.Errorf("failed to trigger udev rules with change action: %w", err)
	}
	time.Sleep(2 * time.Second)

	return nil
}

// Verify checks whether the installed rule assigned the expected sound id to
// the card. Best-effort: a false result is a warning condition, not a
// failure, since the device may need a replug for the rule to apply.
func (c *Controller) Verify(ctx context.Context, cardNumber, friendlyName string) bool {
	output, err := c.Exec.Run(ctx, "udevadm", "info", "--path", "/sys/class/sound/card"+cardNumber)
	if err != nil {
		c.Log.Warn("could not verify rule installation", "error", err)
		return false
	}

	if strings.Contains(output, udevdb.KeySoundID+"="+friendlyName) {
		c.Log.Info("verified rule installation", "card", cardNumber, "id", friendlyName)
		return true
	}

	c.Log.Info("rule not yet applied; device may need a replug", "card", cardNumber)
	return false
}

// SelfTest writes a throwaway rule file and reloads udev to confirm the rule
// system is functional before committing real rules.
func (c *Controller) SelfTest(ctx context.Context, rulesDir string) bool {
	testFile := filepath.Join(rulesDir, "99-test-udev-audio-mapper.rules")
	content := "# test rule to check that udev is functioning\n"

	if err := os.WriteFile(testFile, []byte(content), 0o644); err != nil {
		c.Log.Error("failed to write test rule", "error", err)
		return false
	}
	defer os.Remove(testFile)

	if _, err := c.Exec.Run(ctx, "udevadm", "control", "--reload-rules"); err != nil {
		c.Log.Error("failed to reload udev rules during self-test", "error", err)
		return false
	}

	return true
}

// WriteModprobeConfig drops a snd_usb_audio option file so newly mapped
// cards don't claim index 0 from the onboard card. Skipped silently when the
// modprobe directory is absent or the file already exists.
func WriteModprobeConfig(modprobeDir, vendorID, productID, description string) error {
	if info, err := os.Stat(modprobeDir); err != nil || !info.IsDir() {
		return nil
	}

	path := filepath.Join(modprobeDir, fmt.Sprintf("99-soundcard-%s-%s.conf", vendorID, productID))
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	content := fmt.Sprintf("# Modprobe options for USB sound card %s\noptions snd_usb_audio index=-2\n", description)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write modprobe configuration: %w", err)
	}

	return nil
}
