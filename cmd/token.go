package cmd

import (
	"fmt"

	"tubefm/core/auth"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenRole    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发管理接口使用的 JWT",
	Long:  `使用 ADMIN_JWT_SECRET 签发令牌，有效期由 ADMIN_TOKEN_TTL 决定。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateToken(cfg.AdminJWTSecret, tokenSubject, tokenRole, cfg.AdminTokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "令牌主体")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAdmin, "令牌角色")
	rootCmd.AddCommand(tokenCmd)
}
