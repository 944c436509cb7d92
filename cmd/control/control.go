package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/pecron"
)

// NewSetCmd creates the set command
func NewSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set code=value [code=value...]",
		Short: "Write device properties",
		Long: `Write one or more property codes to a device in a single command.

Values are read as bool (true/false/on/off), integer, float, JSON object or
list, and otherwise as text. Quote a value to force text.

Examples:
  pecron set -d E300 ac_switch_hm=false
  pecron set -d E300 charge_limit=90 dc_switch_hm=on`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSet,
	}

	cmd.Flags().StringP("device", "d", "", "Device name (substring match)")

	return cmd
}

// NewACCmd creates the ac command
func NewACCmd() *cobra.Command {
	return newSwitchCmd(pecron.SwitchAC, "AC")
}

// NewDCCmd creates the dc command
func NewDCCmd() *cobra.Command {
	return newSwitchCmd(pecron.SwitchDC, "DC")
}

func newSwitchCmd(name, label string) *cobra.Command {
	cmd := &cobra.Command{
		Use:       name + " on|off",
		Short:     fmt.Sprintf("Turn the %s output on or off", label),
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return runSwitch(cmd, name, on)
		},
	}

	cmd.Flags().StringP("device", "d", "", "Device name (substring match)")

	return cmd
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// ParseAssignments reads code=value arguments. A repeated code keeps the last
// value.
func ParseAssignments(args []string) (map[string]any, error) {
	values := make(map[string]any, len(args))
	for _, arg := range args {
		code, raw, ok := strings.Cut(arg, "=")
		code = strings.TrimSpace(code)
		if !ok || code == "" {
			return nil, fmt.Errorf("invalid assignment %q (expected code=value)", arg)
		}
		values[code] = pecron.ParseValue(raw)
	}
	return values, nil
}

func runSet(cmd *cobra.Command, args []string) error {
	fragment, _ := cmd.Flags().GetString("device")

	values, err := ParseAssignments(args)
	if err != nil {
		return err
	}

	return dispatch(cmd.Context(), fragment, values, func(ctx context.Context, s *pecron.Session, d pecron.Device) (*pecron.CommandResult, error) {
		return pecron.SetProperties(ctx, s, d, values)
	})
}

func runSwitch(cmd *cobra.Command, name string, on bool) error {
	fragment, _ := cmd.Flags().GetString("device")

	enc, ok := common.Config().SwitchEncodings()[name]
	if !ok {
		return fmt.Errorf("no encoding configured for %s switch", name)
	}
	values := map[string]any{enc.Code: enc.Value(on)}

	return dispatch(cmd.Context(), fragment, values, func(ctx context.Context, s *pecron.Session, d pecron.Device) (*pecron.CommandResult, error) {
		if name == pecron.SwitchAC {
			return pecron.SetACOutput(ctx, s, d, on)
		}
		return pecron.SetDCOutput(ctx, s, d, on)
	})
}

type sendFunc func(ctx context.Context, s *pecron.Session, d pecron.Device) (*pecron.CommandResult, error)

// dispatch resolves the device, sends the command, journals the outcome and
// prints the verdicts.
func dispatch(ctx context.Context, fragment string, values map[string]any, send sendFunc) error {
	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	d, err := common.ResolveDevice(ctx, account, fragment)
	if err != nil {
		return err
	}

	core.Logger.Info().Str("device", d.Name).Interface("values", values).Msg("sending command")
	res, cmdErr := send(ctx, account.Session, d)

	var invalid *pecron.ValidationError
	if !errors.As(cmdErr, &invalid) {
		if _, err := common.Storage().RecordResult(account.UserKey(), d, values, res, cmdErr); err != nil {
			core.Logger.Warn().Err(err).Msg("failed to journal command")
		}
	}

	if cmdErr != nil {
		return cmdErr
	}

	if err := common.Render(os.Stdout, res, func(w io.Writer) error {
		return printResult(w, res)
	}); err != nil {
		return err
	}

	if failed := res.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d code(s) rejected", pecron.ErrCommand, len(failed), len(res.Entries))
	}
	return nil
}

func printResult(w io.Writer, res *pecron.CommandResult) error {
	fmt.Fprintf(w, "%s:\n", res.Device)
	tw := common.NewTable(w)
	for _, e := range res.Entries {
		status := common.Color("✓ accepted", common.Green)
		if !e.Success {
			status = common.Color("✗ rejected", common.Red)
		}
		detail := e.Error
		if e.ErrorCode != 0 {
			detail = fmt.Sprintf("%s (code %d)", detail, e.ErrorCode)
		}
		if e.Unchecked {
			detail = strings.TrimSpace(detail + " unchecked")
		}
		if e.Ticket != "" {
			detail = strings.TrimSpace(detail + " ticket " + e.Ticket)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", e.Code, status, detail)
	}
	return tw.Flush()
}
