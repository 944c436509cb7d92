package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/pecron"
)

type regionView struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Host        string `json:"host"`
}

// newRegionsCmd creates the regions command
func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List the supported cloud regions",
		Args:  cobra.NoArgs,
		RunE:  runRegions,
	}
}

func runRegions(cmd *cobra.Command, args []string) error {
	var views []regionView
	for _, r := range pecron.Regions() {
		views = append(views, regionView{Code: r.String(), Description: r.Description(), Host: r.Host()})
	}

	return common.Render(os.Stdout, views, func(w io.Writer) error {
		tw := common.NewTable(w)
		fmt.Fprintln(tw, "REGION\tDESCRIPTION\tHOST")
		for _, r := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Code, r.Description, r.Host)
		}
		return tw.Flush()
	})
}
