// Package command implements collab-cli, a terminal client for
// collab-service: mint development tokens, watch a trip room, emit events.
package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-trip-collab/pkg/collab"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

const (
	serverURLKey   = "server_url"
	tokenKey       = "token"
	jwtSecretKey   = "jwt_secret"
	jwtIssuerKey   = "jwt_issuer"
	logLevelKey    = "log_level"
	maxAttemptsKey = "max_attempts"
)

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd(viper.New()).Execute()
}

// NewRootCmd builds the command tree. Settings resolve from flags, then
// COLLAB_* environment variables, then the optional config file.
func NewRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "collab-cli",
		Short:        "Terminal client for trip collaboration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(v, cfgFile); err != nil {
				return err
			}
			pkglog.Init(pkglog.Config{
				Level:       v.GetString(logLevelKey),
				Pretty:      true,
				ServiceName: "collab-cli",
				Output:      os.Stderr,
			})
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.collab-cli.yaml)")
	flags.String("server", "ws://localhost:8090/ws", "collab-service websocket URL")
	flags.String("token", "", "access token")
	flags.String("log-level", "warn", "log level")
	flags.Int("max-attempts", collab.DefaultMaxAttempts, "consecutive failed dials before giving up")

	v.BindPFlag(serverURLKey, flags.Lookup("server"))
	v.BindPFlag(tokenKey, flags.Lookup("token"))
	v.BindPFlag(logLevelKey, flags.Lookup("log-level"))
	v.BindPFlag(maxAttemptsKey, flags.Lookup("max-attempts"))

	v.SetEnvPrefix("collab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newTokenCmd(v), newWatchCmd(v), newEmitCmd(v), newEventsCmd())
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".collab-cli")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// connect starts a session for the configured server and token.
func connect(v *viper.Viper, onStatus func(collab.Status)) (*collab.Session, *collab.Multiplexer, error) {
	token := v.GetString(tokenKey)
	if token == "" {
		return nil, nil, fmt.Errorf("no token: pass --token or set COLLAB_TOKEN")
	}

	session := collab.NewSession(collab.Options{
		URL:         v.GetString(serverURLKey),
		MaxAttempts: v.GetInt(maxAttemptsKey),
		OnStatus:    onStatus,
	})
	mux := collab.NewMultiplexer(session)
	if err := session.SetToken(token); err != nil {
		return nil, nil, err
	}
	return session, mux, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format("15:04:05")
}
