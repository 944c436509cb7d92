package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pecron-terminal/cmd/auth"
	"pecron-terminal/cmd/common"
	"pecron-terminal/cmd/control"
	"pecron-terminal/cmd/devices"
	"pecron-terminal/cmd/history"
	"pecron-terminal/cmd/monitor"
	"pecron-terminal/pkg/config"
	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/storage"
)

var rootCmd = &cobra.Command{
	Use:   "pecron",
	Short: "Pecron power station cloud client",
	Long: `A CLI tool to query and control Pecron portable power stations through the
vendor cloud.

This tool allows you to:
- List the devices bound to an account
- Read live status (battery, power, switches) and raw property payloads
- Switch AC/DC outputs and write any property
- Bridge devices to MQTT, InfluxDB and Prometheus

Credentials come from --email/--password, $PECRON_EMAIL/$PECRON_PASSWORD,
the config file ($HOME/.pecron.yaml), or an interactive prompt.

Examples:
  pecron devices
  pecron status -d E300
  pecron ac off -d E300
  pecron set -d E300 dc_switch_hm=on
  pecron monitor --mqtt`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&common.Opts.ConfigFile, "config", "", "Config file (default $HOME/.pecron.yaml)")
	flags.StringP("region", "r", "", "Cloud region: CN, EU or US (default $PECRON_REGION or US)")
	flags.StringP("email", "e", "", "Account email (default $PECRON_EMAIL, or prompted)")
	flags.StringP("password", "p", "", "Account password (default $PECRON_PASSWORD, or prompted)")
	flags.CountVarP(&common.Opts.Verbose, "verbose", "v", "Increase verbosity (-v info, -vv debug, -vvv trace)")
	flags.BoolVar(&common.Opts.JSON, "json", false, "Output results as JSON")
	flags.StringVarP(&common.Opts.Output, "output", "o", common.FormatTable, "Output format: table, json or yaml")

	// Add subcommands
	rootCmd.AddCommand(auth.NewLoginCmd())
	rootCmd.AddCommand(devices.NewDevicesCmd())
	rootCmd.AddCommand(devices.NewStatusCmd())
	rootCmd.AddCommand(devices.NewRawCmd())
	rootCmd.AddCommand(devices.NewInfoCmd())
	rootCmd.AddCommand(devices.NewTSLCmd())
	rootCmd.AddCommand(control.NewSetCmd())
	rootCmd.AddCommand(control.NewACCmd())
	rootCmd.AddCommand(control.NewDCCmd())
	rootCmd.AddCommand(history.NewHistoryCmd())
	rootCmd.AddCommand(monitor.NewMonitorCmd())
	rootCmd.AddCommand(newRegionsCmd())
}

func initConfig() {
	v, err := config.New(common.Opts.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	bindFlags(v)

	cfg, err := config.Decode(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logOpts := cfg.LogOptions()
	if common.Opts.Verbose > 0 {
		logOpts.Level = core.LevelForVerbosity(common.Opts.Verbose)
	}
	core.InitLogger(logOpts)

	storageManager, err := storage.NewStorageManager(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize storage: %v\n", err)
		os.Exit(1)
	}

	// Make config and storage available to subcommands
	common.Setup(cfg, storageManager)
}

// bindFlags lets the account flags override environment and config file.
func bindFlags(v *viper.Viper) {
	for _, name := range []string{"region", "email", "password"} {
		_ = v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
