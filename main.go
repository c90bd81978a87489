package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"PPCollab/global"
	"PPCollab/logger"
	"PPCollab/tools/security"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "collabd",
	Short: "Real-time collaboration service",
	Long: `collabd keeps websocket connections grouped by instance, hands out
advisory resource locks, tracks user sessions and pushes instance, user and
system state to connected clients.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := serve()
		if err != nil {
			return err
		}
		if code != 0 {
			return exitError{code: code}
		}
		return nil
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Mint a client token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := global.Load(configFile)
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		tok, exp, err := security.Generate(security.Options{
			Secret: []byte(cfg.JWTSecret),
			Alg:    cfg.JWTAlg,
			TTL:    tokenTTL,
		}, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (env vars still win)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 2*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

// exitError carries a non-zero shutdown code out of cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("collabd exited with code %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// serve blocks until a signal drains the app and returns the exit code.
func serve() (int, error) {
	a, err := newApp(configFile)
	if err != nil {
		return 1, err
	}
	if err := a.start(); err != nil {
		a.stop(context.Background())
		return 1, err
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		15*time.Second,
		map[string]gfshutdown.Operation{
			"collabd": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				a.stop(ctx)
				return nil
			},
		},
	)
	code := <-wait
	logger.Info("collabd exited", zap.Int("code", code))
	logger.Sync()
	return code, nil
}

// loadConfig reads local config and, when nacos is configured, merges the
// remote overlay in front of the environment.
func loadConfig(file string) (*global.Config, *remoteConfig, error) {
	cfg, err := global.Load(file)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if cfg.NacosAddr == "" {
		return cfg, nil, nil
	}
	rc, overlay, err := fetchRemoteConfig(cfg)
	if err != nil {
		// local config is still usable
		logger.Warn("nacos overlay unavailable", zap.Error(err))
		return cfg, rc, nil
	}
	merged, err := global.Load(file, []byte(overlay))
	if err != nil {
		return nil, nil, err
	}
	logger.Init(merged.LogLevel, merged.LogFormat)
	return merged, rc, nil
}
