package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/account"
)

var accountFields []string

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage stored accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an account, reading the password from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(accountFields)
		if err != nil {
			return err
		}
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
			if err != nil {
				return err
			}
			created, err := d.guard.Register(ctx, args[0], password, fields)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", created.Username, created.ID)
			return nil
		})
	},
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <username>",
	Short: "Prevent an account from logging in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			return setDisabled(ctx, d, args[0], true)
		})
	},
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <username>",
	Short: "Allow a disabled account to log in again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			return setDisabled(ctx, d, args[0], false)
		})
	},
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			a, err := findAccount(ctx, d, args[0])
			if err != nil {
				return err
			}
			return d.store.Delete(ctx, a.ID)
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd, func(ctx context.Context, d *deps) error {
			return listAccounts(ctx, d, cmd.OutOrStdout())
		})
	},
}

func withDeps(cmd *cobra.Command, fn func(context.Context, *deps) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	d, err := loadDeps(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return fn(cmd.Context(), d)
}

func findAccount(ctx context.Context, d *deps, username string) (*account.Account, error) {
	res := d.store.FindOne(ctx, account.Query{Username: d.guard.NormalizeUsername(username)})
	switch res.Status {
	case account.Found:
		return res.Account, nil
	case account.Fault:
		return nil, res.Err
	default:
		return nil, fmt.Errorf("account %q not found", username)
	}
}

func setDisabled(ctx context.Context, d *deps, username string, disabled bool) error {
	a, err := findAccount(ctx, d, username)
	if err != nil {
		return err
	}
	if a.Fields == nil {
		a.Fields = map[string]any{}
	}
	if disabled {
		a.Fields[account.FieldDisabled] = true
	} else {
		delete(a.Fields, account.FieldDisabled)
	}
	return d.store.Update(ctx, a)
}

func listAccounts(ctx context.Context, d *deps, w io.Writer) error {
	ids, err := d.store.List(ctx)
	if err != nil {
		return err
	}
	accounts := make([]*account.Account, 0, len(ids))
	for _, id := range ids {
		res := d.store.Read(ctx, id)
		if res.Status != account.Found {
			continue
		}
		accounts = append(accounts, res.Account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	for _, a := range accounts {
		state := "enabled"
		if a.Disabled() {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Username, a.ID, state)
	}
	return nil
}

// parseFields turns key=value pairs into extra account fields.
func parseFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fields := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", p)
		}
		if k == account.FieldDisabled {
			return nil, errors.New("use 'account disable' to disable an account")
		}
		fields[k] = v
	}
	return fields, nil
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddCmd, accountDisableCmd, accountEnableCmd, accountDeleteCmd, accountListCmd)
	accountAddCmd.Flags().StringArrayVar(&accountFields, "field", nil, "Extra account field as key=value (repeatable)")
}
