package auth

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/pecron"
)

// NewLoginCmd creates the login command
func NewLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check that the account credentials work",
		Long:  "Log in, report the session's expiry and device count, and log out again. Nothing is stored.",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	}
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	account, err := common.Connect(ctx)
	if err != nil {
		fmt.Printf("✗ %v\n", err)
		return err
	}
	defer account.Close()

	fmt.Printf("✓ Logged in as %s in region %s (%s)\n",
		account.Email, account.Region, account.Region.Description())

	if expiry, ok := account.Session.Expiry(); ok {
		fmt.Printf("Token valid until: %s (%s)\n",
			expiry.Local().Format("2006-01-02 15:04:05"), time.Until(expiry).Round(time.Minute))
	} else {
		fmt.Println("Token valid until: not reported")
	}

	devices, err := pecron.ListDevices(ctx, account.Session, false)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	fmt.Printf("Devices: %d\n", len(devices))
	return nil
}
