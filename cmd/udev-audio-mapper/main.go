// Command udev-audio-mapper resolves USB audio interfaces to stable physical
// identities and installs persistent udev naming rules for them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tomtom215/udev-audio-mapper/internal/alsa"
	"github.com/tomtom215/udev-audio-mapper/internal/mapper"
	"github.com/tomtom215/udev-audio-mapper/internal/resolve"
	"github.com/tomtom215/udev-audio-mapper/internal/rules"
	"github.com/tomtom215/udev-audio-mapper/internal/sysexec"
	"github.com/tomtom215/udev-audio-mapper/internal/udevdb"
	"github.com/tomtom215/udev-audio-mapper/internal/udevctl"
	"github.com/tomtom215/udev-audio-mapper/internal/ui"
	"github.com/tomtom215/udev-audio-mapper/internal/usb"
)

const defaultModprobeDir = "/etc/modprobe.d"

// Exit codes: partial means a batch run mapped some devices but not all.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 2
)

var errInsufficientPrivs = errors.New("insufficient privileges")

type options struct {
	configPath     string
	rulesDir       string
	modprobeDir    string
	listOnly       bool
	nonInteractive bool
	mapAll         bool
	name           string
	vendorID       string
	productID      string
	skipReload     bool
	dryRun         bool
	logLevel       string
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options

	pflag.StringVar(&opts.configPath, "config", "", "Path to YAML config file")
	pflag.StringVar(&opts.rulesDir, "rules-dir", "", "Path to udev rules directory")
	pflag.StringVar(&opts.modprobeDir, "modprobe-dir", "", "Path to modprobe.d directory")
	pflag.BoolVar(&opts.listOnly, "list", false, "List USB sound cards and exit")
	pflag.BoolVar(&opts.nonInteractive, "non-interactive", false, "Non-interactive mode")
	pflag.BoolVar(&opts.mapAll, "all", false, "Map every detected card (non-interactive)")
	pflag.StringVar(&opts.name, "name", "", "Friendly name for the device (non-interactive mode)")
	pflag.StringVar(&opts.vendorID, "vendor-id", "", "Vendor ID (non-interactive mode)")
	pflag.StringVar(&opts.productID, "product-id", "", "Product ID (non-interactive mode)")
	pflag.BoolVar(&opts.skipReload, "skip-reload", false, "Skip reloading udev rules after creating them")
	pflag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without making changes")
	pflag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: udev-audio-mapper [options]\n\n")
		fmt.Fprintf(os.Stderr, "Creates persistent device mappings for USB sound cards.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  udev-audio-mapper --list\n")
		fmt.Fprintf(os.Stderr, "  udev-audio-mapper                       # interactive\n")
		fmt.Fprintf(os.Stderr, "  udev-audio-mapper --non-interactive --vendor-id 2e88 --product-id 4610 --name movo-mic\n")
		fmt.Fprintf(os.Stderr, "  udev-audio-mapper --non-interactive --all --dry-run\n")
	}
	pflag.Parse()

	configPath := opts.configPath
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath
	}
	fileCfg, err := loadFileConfig(configPath, explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	// Flags beat the config file; the config file beats built-in defaults.
	if opts.rulesDir == "" {
		opts.rulesDir = fileCfg.RulesDir
	}
	if opts.rulesDir == "" {
		opts.rulesDir = rules.DefaultRulesDir
	}
	if opts.modprobeDir == "" {
		opts.modprobeDir = fileCfg.ModprobeDir
	}
	if opts.modprobeDir == "" {
		opts.modprobeDir = defaultModprobeDir
	}
	if !pflag.CommandLine.Changed("log-level") && fileCfg.LogLevel != "" {
		opts.logLevel = fileCfg.LogLevel
	}
	if fileCfg.SkipReload {
		opts.skipReload = true
	}

	log := newLogger(opts.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting udev-audio-mapper",
		"rules_dir", opts.rulesDir,
		"interactive", !opts.nonInteractive,
		"dry_run", opts.dryRun)

	exec := sysexec.New(log)

	if err := sysexec.CheckCommands("lsusb", "aplay", "udevadm"); err != nil {
		log.Error("command check failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	installing := !opts.listOnly && !opts.dryRun
	if installing {
		if err := requireRoot(); err != nil {
			fmt.Fprintln(os.Stderr, "This tool requires root privileges to install udev rules.\nPlease run with sudo.")
			return exitFailure
		}
		if err := rules.EnsureRulesDir(opts.rulesDir); err != nil {
			log.Error("rules directory check failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
	}

	udevClient := udevdb.NewClient(exec)
	controller := &udevctl.Controller{Exec: exec, Log: log}

	if installing && !controller.SelfTest(ctx, opts.rulesDir) {
		log.Warn("udev self-test failed; rules may not apply correctly")
		fmt.Fprintln(os.Stderr, "Warning: udev system test failed - rules may not apply correctly")
	}

	lister := &alsa.Lister{Exec: exec, Udev: udevClient, Log: log}
	cards, err := lister.ListUSBCards(ctx)
	if err != nil {
		if errors.Is(err, alsa.ErrNoUSBSoundCards) {
			fmt.Println("No USB sound cards found.")
			return exitOK
		}
		log.Error("failed to list USB sound cards", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	// Addresses missing from the attribute walk are completed from the
	// enumeration listing; a failure here just degrades port resolution.
	if devices, err := usb.Enumerate(ctx, exec); err != nil {
		log.Debug("usb enumeration unavailable", "error", err)
	} else {
		for i := range cards {
			alsa.FillAddress(&cards[i], devices)
		}
	}

	if opts.listOnly {
		printCards(cards)
		return exitOK
	}

	m := &mapper.Mapper{
		Opts: mapper.Options{
			RulesDir:    opts.rulesDir,
			ModprobeDir: opts.modprobeDir,
			DryRun:      opts.dryRun,
			SkipReload:  opts.skipReload,
		},
		Resolve: resolve.Deps{
			Sysfs: usb.NewSysfs(),
			Props: udevClient,
			Log:   log,
		},
		Store: rules.NewStore(opts.rulesDir),
		Udev:  controller,
		Log:   log,
		Now:   time.Now,
	}

	if opts.nonInteractive {
		if opts.mapAll {
			return runBatch(ctx, m, cards)
		}
		return runSingle(ctx, m, cards, opts, log)
	}

	result, err := ui.Run(ctx, cards, m, log)
	if err != nil {
		switch {
		case errors.Is(err, ui.ErrCancelled):
			fmt.Println("Operation cancelled by user.")
			return exitOK
		case errors.Is(err, context.Canceled):
			fmt.Println("Operation interrupted. Shutting down...")
			return exitOK
		default:
			log.Error("interactive mode failed", "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
	}

	printResult(result)
	return exitOK
}

// runSingle maps the one card matching --vendor-id/--product-id.
func runSingle(ctx context.Context, m *mapper.Mapper, cards []alsa.Card, opts options, log *slog.Logger) int {
	if opts.vendorID == "" || opts.productID == "" {
		fmt.Fprintln(os.Stderr, "Error: --vendor-id and --product-id are required in non-interactive mode (or use --all)")
		return exitFailure
	}

	vendorID, err := usb.NormalizeID(opts.vendorID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: vendor id: %v\n", err)
		return exitFailure
	}
	productID, err := usb.NormalizeID(opts.productID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: product id: %v\n", err)
		return exitFailure
	}

	for _, card := range cards {
		if card.Attrs.VendorID != vendorID || card.Attrs.ProductID != productID {
			continue
		}

		name := opts.name
		if name == "" {
			name = string(rules.SuggestName(vendorID, productID, card.Attrs.Serial, card.KernelsPath, card.Number))
		}

		result, err := m.Map(ctx, card, name)
		if err != nil {
			log.Error("mapping failed", "card", card.Number, "error", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
		printResult(result)
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "Error: no USB sound card found with VID:PID %s:%s\n", vendorID, productID)
	return exitFailure
}

// runBatch maps every detected card with auto-derived names. Per-device
// failures are reported and skipped; the whole run never aborts early.
func runBatch(ctx context.Context, m *mapper.Mapper, cards []alsa.Card) int {
	results, failures := m.MapAll(ctx, cards, func(card alsa.Card) string {
		return string(rules.SuggestName(
			card.Attrs.VendorID, card.Attrs.ProductID,
			card.Attrs.Serial, card.KernelsPath, card.Number))
	})

	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "Card %s: %v\n", f.Card.Number, f.Err)
	}
	for _, result := range results {
		printResult(result)
	}

	fmt.Printf("\nMapped %d of %d cards.\n", len(results), len(cards))
	switch {
	case len(results) == 0:
		return exitFailure
	case len(failures) > 0:
		return exitPartial
	default:
		return exitOK
	}
}

func printCards(cards []alsa.Card) {
	fmt.Println("USB Sound Cards:")
	fmt.Println("---------------")
	for i, card := range cards {
		fmt.Printf("%d. Card %s: %s (VID:PID %s:%s)\n",
			i+1, card.Number, card.Description, card.Attrs.VendorID, card.Attrs.ProductID)
		if card.Attrs.Serial != "" {
			fmt.Printf("   Serial: %s\n", card.Attrs.Serial)
		}
		if card.KernelsPath != "" {
			fmt.Printf("   Physical Port: %s\n", card.KernelsPath)
		}
		suggested := rules.SuggestName(card.Attrs.VendorID, card.Attrs.ProductID,
			card.Attrs.Serial, card.KernelsPath, card.Number)
		fmt.Printf("   Suggested Name: %s\n\n", suggested)
	}
}

func printResult(result mapper.Result) {
	card := result.Card
	fmt.Printf("Created persistent mapping for %s (VID:PID %s:%s) as '%s'\n",
		card.Description, card.Attrs.VendorID, card.Attrs.ProductID, result.Name)
	fmt.Printf("Identity: %s\n", result.Identity)

	if result.LowConfidence() {
		fmt.Println("Warning: physical port could not be resolved; the rule matches on device ids only.")
	}
	if !result.Identity.Stable() {
		fmt.Println("Note: this device has no serial number. Reconnecting it may produce a different")
		fmt.Println("identity; re-running the mapper then will add a new rule entry rather than reuse this one.")
	}

	fmt.Printf("\nRule file: %s\n", result.RulePath)
	if !result.Verified {
		fmt.Println("\nFor the mapping to take full effect, replug the device or reboot.")
		fmt.Println("To apply rules immediately, run:")
		fmt.Println("  sudo udevadm control --reload-rules && sudo udevadm trigger --action=add --subsystem-match=sound")
	}
}

func requireRoot() error {
	current, err := user.Current()
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}
	if current.Uid != "0" {
		return errInsufficientPrivs
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
