package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/technosupport/ts-utm/internal/config"
	"github.com/technosupport/ts-utm/internal/tokens"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for an operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		role := tokens.Role(tokenRole)
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		tok, err := tokens.NewManager(cfg.JWT.SigningKey, cfg.JWT.TTL()).GenerateAccessToken(tokenUser, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "operator id recorded on confirmations")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(tokens.RoleOperator), "viewer, operator or supervisor")
	tokenCmd.MarkFlagRequired("user")
}
