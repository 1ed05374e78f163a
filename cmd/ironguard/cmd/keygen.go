package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/internal/util"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random value for IRONGUARD_SESSION_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := util.NewAESKey()
		if err != nil {
			return err
		}
		defer util.WipeBytes(key)
		fmt.Fprintln(cmd.OutOrStdout(), util.HexEncode(key))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
