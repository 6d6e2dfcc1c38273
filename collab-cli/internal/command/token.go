package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-trip-collab/pkg/jwt"
)

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		userID string
		name   string
		avatar string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with the server's secret",
		Long: `Mint an HS256 access token for local development. The secret must match
collab-service's auth.jwt_secret (flag --secret or COLLAB_JWT_SECRET).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := jwt.NewManager(v.GetString(jwtSecretKey), v.GetString(jwtIssuerKey), ttl)
			if err != nil {
				return err
			}
			token, expires, err := tokens.GenerateAccessToken(userID, name, avatar)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("secret", "", "HMAC secret")
	cmd.Flags().String("issuer", "", "token issuer")
	cmd.MarkFlagRequired("user")

	v.BindPFlag(jwtSecretKey, cmd.Flags().Lookup("secret"))
	v.BindPFlag(jwtIssuerKey, cmd.Flags().Lookup("issuer"))
	return cmd
}
