package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"buildline/internal/app"
	"buildline/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the API under the base path, Swagger UI at /docs and Prometheus metrics at /metrics. Requires BUILDLINE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("BUILDLINE_JWT_SECRET is required for bearer auth")
			}
			a, err := openApp(viper.GetBool("log-events"))
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := app.ResolveProject(cmd.Context(), a.Engine, viper.GetString("project"), viper.GetString("actor-id")); err != nil {
				a.Logger.Warn("no default project", zap.Error(err))
			}

			addr := viper.GetString("addr")
			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Gatherer: a.Registry,
				Logger:   a.Logger,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					AllowActorHeader: viper.GetBool("allow-actor-header"),
					DevLogin:         viper.GetBool("dev-login"),
					TokenTTL:         viper.GetDuration("token-ttl"),
					Logger:           a.Logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			a.Logger.Info("serving Buildline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("workflow", a.Config.Acceptance.Workflow))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-actor-header", false, "trust X-Actor-Id when no bearer token is sent")
	cmd.Flags().Bool("dev-login", false, "expose POST <base>/auth/dev/login")
	cmd.Flags().Duration("token-ttl", 12*time.Hour, "lifetime of dev-login tokens")
	cmd.Flags().Bool("log-events", false, "log every committed event")
	for _, name := range []string{"addr", "base-path", "jwt-secret", "allow-actor-header", "dev-login", "token-ttl", "log-events"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with BUILDLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"access_token": token, "token_type": "Bearer"})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
