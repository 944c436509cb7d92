package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"pecron-terminal/pkg/config"
	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/pecron"
	"pecron-terminal/pkg/storage"
)

// Options holds the global flags.
type Options struct {
	ConfigFile string
	Verbose    int
	JSON       bool
	Output     string
}

var (
	Opts Options

	cfg            *config.Config
	storageManager *storage.StorageManager
)

// Setup makes the loaded config and storage available to subcommands.
func Setup(c *config.Config, sm *storage.StorageManager) {
	cfg = c
	storageManager = sm
}

func Config() *config.Config {
	return cfg
}

func Storage() *storage.StorageManager {
	return storageManager
}

// Credentials resolves the account from flags, environment and config, and
// prompts on a terminal for whatever is still missing.
func Credentials() (region pecron.Region, email, password string, err error) {
	region, err = pecron.ParseRegion(cfg.Region)
	if err != nil {
		return "", "", "", err
	}

	email = strings.TrimSpace(cfg.Email)
	password = cfg.Password

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if email == "" && interactive {
		email, err = promptLine(os.Stdin, os.Stderr, "Email: ")
		if err != nil {
			return "", "", "", err
		}
	}
	if email == "" {
		return "", "", "", errors.New("email is required (use --email or $PECRON_EMAIL)")
	}

	if password == "" && interactive {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", "", "", fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}
	if password == "" {
		return "", "", "", errors.New("password is required (use --password or $PECRON_PASSWORD)")
	}

	return region, email, password, nil
}

func promptLine(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Account is an open session together with the identity it was opened for.
type Account struct {
	Session *pecron.Session
	Region  pecron.Region
	Email   string
}

// UserKey identifies the account in the command journal.
func (a *Account) UserKey() string {
	return storage.UserKey(string(a.Region), a.Email)
}

func (a *Account) Close() {
	_ = a.Session.Close(context.Background())
}

// Connect resolves credentials and logs in.
func Connect(ctx context.Context) (*Account, error) {
	region, email, password, err := Credentials()
	if err != nil {
		return nil, err
	}

	core.Logger.Info().Msgf("Logging in to %s (%s) as %s", region, region.Host(), email)

	s, err := pecron.Open(ctx, region, email, password,
		pecron.WithTimeout(cfg.Timeout),
		pecron.WithRetries(cfg.Retries),
		pecron.WithLogger(core.Logger),
		pecron.WithSwitchEncodings(cfg.SwitchEncodings()),
	)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	return &Account{Session: s, Region: region, Email: email}, nil
}

// SelectDevices narrows devices to those matching fragment. An empty fragment
// selects everything; a fragment matching nothing is an error that names the
// available devices.
func SelectDevices(devices []pecron.Device, fragment string) ([]pecron.Device, error) {
	if fragment == "" {
		return devices, nil
	}
	matched := pecron.Filter(devices, fragment)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: no device matching %q (available: %s)",
			pecron.ErrDeviceNotFound, fragment, deviceNames(devices))
	}
	return matched, nil
}

// ResolveDevice finds exactly one device for a command.
func ResolveDevice(ctx context.Context, a *Account, fragment string) (pecron.Device, error) {
	if fragment == "" {
		return pecron.Device{}, errors.New("a device is required (use --device NAME)")
	}

	devices, err := pecron.ListDevices(ctx, a.Session, false)
	if err != nil {
		return pecron.Device{}, err
	}

	d, err := pecron.Resolve(devices, fragment)
	if errors.Is(err, pecron.ErrDeviceNotFound) {
		return pecron.Device{}, fmt.Errorf("%w (available: %s)", err, deviceNames(devices))
	}
	return d, err
}

func deviceNames(devices []pecron.Device) string {
	if len(devices) == 0 {
		return "none"
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return strings.Join(names, ", ")
}
