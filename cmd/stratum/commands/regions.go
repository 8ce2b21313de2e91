package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratum-cloud/stratum/pkg/api"
)

func newRegionsCommand() *cobra.Command {
	var (
		platform string
		local    bool
	)

	cmd := &cobra.Command{
		Use:   "regions [location]",
		Short: "Show the location tree of a platform",
		Long: `Show a platform's location tree, or the sub-tree under one location.

By default the tree is read from the server. With --local the tree
configured in regions.file (or the built-in tree) is printed instead.`,
		Example: `  stratum regions --platform aws
  stratum regions europe --local`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}

			var loc *api.LocationResponse
			if local {
				l, err := localLocation(platform, name)
				if err != nil {
					return err
				}
				loc = l
			} else {
				l, err := newClient().GetRegion(cmd.Context(), platform, name)
				if err != nil {
					return err
				}
				loc = l
			}

			if jsonOutput {
				return printJSON(loc)
			}
			printLocation(loc, 0)
			return nil
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "local", "cloud platform")
	cmd.Flags().BoolVar(&local, "local", false, "read the configured tree instead of asking the server")

	return cmd
}

func localLocation(platform, name string) (*api.LocationResponse, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tree, err := loadTree(cfg.Regions)
	if err != nil {
		return nil, err
	}

	loc, err := tree.Root(platform)
	if err == nil && name != "" {
		loc, err = tree.Find(platform, name)
	}
	if err != nil {
		return nil, err
	}
	resp := api.NewLocationResponse(loc)
	return &resp, nil
}

func printLocation(loc *api.LocationResponse, depth int) {
	line := strings.Repeat("  ", depth) + loc.Name
	if loc.Description != "" {
		line += fmt.Sprintf(" (%s)", loc.Description)
	}
	fmt.Println(line)
	for i := range loc.Locations {
		printLocation(&loc.Locations[i], depth+1)
	}
}
