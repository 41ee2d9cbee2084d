package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/transformer_distill/internal/envconfig"
)

func newEnvCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment variables distill reads",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			slices.Sort(names)

			table := tablewriter.NewWriter(stdout)
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, name := range names {
				v := vars[name]
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
