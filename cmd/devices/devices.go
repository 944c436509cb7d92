package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/pecron"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List all devices on the account",
		Args:  cobra.NoArgs,
		RunE:  runListDevices,
	}

	cmd.Flags().BoolP("online-only", "O", false, "Show only online devices")

	return cmd
}

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show device status (battery, power, switches)",
		Long:  "Fetch a fresh status snapshot for every device, or for the devices matching --device.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	cmd.Flags().StringP("device", "d", "", "Filter by device name (substring match)")
	cmd.Flags().Bool("all-codes", false, "Also list every reported property code")

	return cmd
}

// NewRawCmd creates the raw command
func NewRawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raw",
		Short: "Dump raw business attributes as JSON",
		Args:  cobra.NoArgs,
		RunE:  runRaw,
	}

	cmd.Flags().StringP("device", "d", "", "Filter by device name (substring match)")

	return cmd
}

// NewInfoCmd creates the info command
func NewInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the cloud's record for one device",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	cmd.Flags().StringP("device", "d", "", "Device name (substring match)")

	return cmd
}

// NewTSLCmd creates the tsl command
func NewTSLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsl",
		Short: "Show the property catalogue of a device's product",
		Long:  "List every property code the product declares with its type, access mode and unit.",
		Args:  cobra.NoArgs,
		RunE:  runTSL,
	}

	cmd.Flags().StringP("device", "d", "", "Device name (substring match)")
	cmd.Flags().Bool("refresh", false, "Fetch the catalogue again instead of using the cached copy")

	return cmd
}

func runListDevices(cmd *cobra.Command, args []string) error {
	onlineOnly, _ := cmd.Flags().GetBool("online-only")

	account, err := common.Connect(cmd.Context())
	if err != nil {
		return err
	}
	defer account.Close()

	devices, err := pecron.ListDevices(cmd.Context(), account.Session, false)
	if err != nil {
		return err
	}

	if onlineOnly {
		online := make([]pecron.Device, 0, len(devices))
		for _, d := range devices {
			if d.Online {
				online = append(online, d)
			}
		}
		devices = online
	}
	if devices == nil {
		devices = []pecron.Device{}
	}

	return common.Render(os.Stdout, devices, func(w io.Writer) error {
		return printDevices(w, devices)
	})
}

func printDevices(w io.Writer, devices []pecron.Device) error {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return nil
	}

	fmt.Fprintf(w, "Found %d device(s):\n\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(w, "  %s\n", d.Name)
		fmt.Fprintf(w, "    Product:  %s\n", d.ProductName)
		fmt.Fprintf(w, "    Status:   %s\n", common.OnlineLabel(d.Online))
		fmt.Fprintf(w, "    PK / DK:  %s / %s\n", d.ProductKey, d.DeviceKey)
		if d.SignalStrength != nil {
			fmt.Fprintf(w, "    Signal:   %d dBm\n", *d.SignalStrength)
		}
		if d.SerialNumber != "" {
			fmt.Fprintf(w, "    Serial:   %s\n", d.SerialNumber)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// StatusView is the status of one device as shown to the user.
type StatusView struct {
	Device     string                   `json:"device"`
	Product    string                   `json:"product"`
	Online     bool                     `json:"online"`
	Firmware   string                   `json:"firmware,omitempty"`
	MCUVersion string                   `json:"mcuVersion,omitempty"`
	Properties *pecron.DeviceProperties `json:"properties,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	fragment, _ := cmd.Flags().GetString("device")
	allCodes, _ := cmd.Flags().GetBool("all-codes")
	ctx := cmd.Context()

	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	devices, err := pecron.ListDevices(ctx, account.Session, false)
	if err != nil {
		return err
	}
	devices, err = common.SelectDevices(devices, fragment)
	if err != nil {
		return err
	}

	views := make([]StatusView, 0, len(devices))
	failed := 0
	for i := range devices {
		d := devices[i]
		props, err := pecron.GetDeviceProperties(ctx, account.Session, &d)
		view := StatusView{
			Device:     d.Name,
			Product:    d.ProductName,
			Online:     d.Online,
			Firmware:   d.FirmwareVersion,
			MCUVersion: d.MCUVersion,
			Properties: props,
		}
		if err != nil {
			if errors.Is(err, pecron.ErrAuthentication) {
				return err
			}
			core.Logger.Warn().Err(err).Str("device", d.Name).Msg("status fetch failed")
			view.Error = err.Error()
			failed++
		}
		views = append(views, view)
	}

	if err := common.Render(os.Stdout, views, func(w io.Writer) error {
		if len(views) == 0 {
			fmt.Fprintln(w, "No devices found.")
		}
		for _, v := range views {
			printStatus(w, v, allCodes)
		}
		return nil
	}); err != nil {
		return err
	}

	if failed > 0 && failed == len(views) {
		return fmt.Errorf("status unavailable for %d device(s)", failed)
	}
	return nil
}

func printStatus(w io.Writer, v StatusView, allCodes bool) {
	fmt.Fprintf(w, "  %s (%s) [%s]\n", v.Device, v.Product, common.OnlineLabel(v.Online))
	if v.Error != "" {
		fmt.Fprintf(w, "    Error:          %s\n\n", v.Error)
		return
	}
	if v.Firmware != "" {
		fmt.Fprintf(w, "    Firmware:       %s\n", v.Firmware)
	}

	p := v.Properties
	if p.BatteryPercentage != nil {
		fmt.Fprintf(w, "    Battery:        %s %s%%\n", batteryBar(*p.BatteryPercentage, 20), num(*p.BatteryPercentage))
	}
	if p.TotalInputPower != nil {
		fmt.Fprintf(w, "    Input Power:    %s W\n", num(*p.TotalInputPower))
	}
	if p.TotalOutputPower != nil {
		fmt.Fprintf(w, "    Output Power:   %s W\n", num(*p.TotalOutputPower))
	}

	var switches []string
	for _, s := range []struct {
		name  string
		state *bool
	}{{"AC", p.ACSwitch}, {"DC", p.DCSwitch}, {"UPS", p.UPSStatus}} {
		if s.state != nil {
			switches = append(switches, s.name+"="+onOff(*s.state))
		}
	}
	if len(switches) > 0 {
		fmt.Fprintf(w, "    Switches:       %s\n", strings.Join(switches, ", "))
	}

	if p.RemainChargingTime != nil && *p.RemainChargingTime > 0 {
		fmt.Fprintf(w, "    Time to Full:   %s\n", duration(*p.RemainChargingTime))
	}
	if p.RemainDischargingTime != nil && *p.RemainDischargingTime > 0 {
		fmt.Fprintf(w, "    Time to Empty:  %s\n", duration(*p.RemainDischargingTime))
	}

	if r := p.ACOutput; r != nil {
		fmt.Fprintf(w, "    AC Output:      %s W @ %s V / %s Hz\n", opt(r.Power), opt(r.Voltage), opt(r.Frequency))
	}
	if r := p.DCOutput; r != nil {
		fmt.Fprintf(w, "    DC Output:      %s W\n", opt(r.Power))
	}
	if r := p.ACInput; r != nil {
		fmt.Fprintf(w, "    AC Input:       %s W\n", opt(r.Power))
	}
	if r := p.DCInput; r != nil {
		fmt.Fprintf(w, "    DC/PV Input:    %s W\n", opt(r.Power))
	}

	if allCodes {
		fmt.Fprintln(w, "    Codes:")
		for _, code := range p.Codes() {
			value, _ := p.GetByCode(code)
			fmt.Fprintf(w, "      %-28s %s\n", code, value)
		}
	}
	fmt.Fprintln(w)
}

func batteryBar(pct float64, width int) string {
	filled := int(math.Round(math.Max(0, math.Min(pct, 100)) / 100 * float64(width)))
	color := common.Green
	switch {
	case pct <= 20:
		color = common.Red
	case pct <= 50:
		color = common.Yellow
	}
	return "[" + common.Color(strings.Repeat("|", filled), color) + strings.Repeat(".", width-filled) + "]"
}

func num(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.0f", f)
	}
	return fmt.Sprintf("%.2f", f)
}

func opt(f *float64) string {
	if f == nil {
		return "?"
	}
	return num(*f)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func duration(minutes float64) string {
	m := int(minutes)
	return fmt.Sprintf("%dh %02dm", m/60, m%60)
}

func runRaw(cmd *cobra.Command, args []string) error {
	fragment, _ := cmd.Flags().GetString("device")
	ctx := cmd.Context()

	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	devices, err := pecron.ListDevices(ctx, account.Session, false)
	if err != nil {
		return err
	}
	devices, err = common.SelectDevices(devices, fragment)
	if err != nil {
		return err
	}

	out := make(map[string]any, len(devices))
	for _, d := range devices {
		raw, err := pecron.GetRawProperties(ctx, account.Session, d)
		if err != nil {
			if errors.Is(err, pecron.ErrAuthentication) {
				return err
			}
			out[d.Name] = map[string]string{"error": err.Error()}
			continue
		}
		out[d.Name] = raw
	}

	return common.Render(os.Stdout, out, nil)
}

func runInfo(cmd *cobra.Command, args []string) error {
	fragment, _ := cmd.Flags().GetString("device")
	ctx := cmd.Context()

	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	d, err := common.ResolveDevice(ctx, account, fragment)
	if err != nil {
		return err
	}

	info, err := pecron.GetDeviceInfo(ctx, account.Session, d)
	if err != nil {
		return err
	}
	if len(info) == 0 {
		info = json.RawMessage("null")
	}

	return common.Render(os.Stdout, info, nil)
}

func runTSL(cmd *cobra.Command, args []string) error {
	fragment, _ := cmd.Flags().GetString("device")
	refresh, _ := cmd.Flags().GetBool("refresh")
	ctx := cmd.Context()

	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	d, err := common.ResolveDevice(ctx, account, fragment)
	if err != nil {
		return err
	}

	schema, err := pecron.GetSchema(ctx, account.Session, d.ProductKey, refresh)
	if err != nil {
		return err
	}
	props := schema.Sorted()

	return common.Render(os.Stdout, props, func(w io.Writer) error {
		fmt.Fprintf(w, "%s (%s): %d properties\n\n", d.Name, d.ProductName, len(props))
		tw := common.NewTable(w)
		fmt.Fprintln(tw, "CODE\tNAME\tTYPE\tACCESS\tUNIT")
		for _, p := range props {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Code, p.Name, p.DataType, p.SubType, p.Unit)
		}
		return tw.Flush()
	})
}
