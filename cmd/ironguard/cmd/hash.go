package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/hasher"
)

var hashProfile string

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash a password read from stdin and print the encoded hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := hasher.New(hasher.WithProfile(hashProfile))
		if err != nil {
			return err
		}
		password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
		if err != nil {
			return err
		}
		encoded, err := h.CreateHash(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), encoded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringVar(&hashProfile, "profile", "moderate", "Argon2id cost profile (interactive, moderate, sensitive)")
}
