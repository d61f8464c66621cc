package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagName string

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show, or with --name change, your identity on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, me, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		if flagName != "" {
			if me, err = client.Rename(cmd.Context(), flagName); err != nil {
				return err
			}
		}
		fmt.Printf("%s (%s)\n", me.DisplayName, me.ID)
		return nil
	},
}

func init() {
	whoamiCmd.Flags().StringVar(&flagName, "name", "", "new display name")
	rootCmd.AddCommand(whoamiCmd)
}
