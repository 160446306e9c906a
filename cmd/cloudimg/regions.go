package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osbuild/cloudimg/internal/cloud"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "list the regions available to this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		prov, err := providerFromConfig(region)
		if err != nil {
			return err
		}
		lister, ok := prov.(cloud.RegionLister)
		if !ok {
			return fmt.Errorf("provider %s does not support listing regions", provider)
		}

		regions, err := lister.Regions(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range regions {
			fmt.Println(r)
		}
		return nil
	},
}

func init() {
	regionsCmd.Flags().StringVarP(&region, "region", "r", "", "region used for the API endpoint")
}
