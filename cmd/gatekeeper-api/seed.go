package main

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/config"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/sessions"
	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type seedAccount struct {
	email    string
	password string
	role     users.Role
}

var seedAccounts = []seedAccount{
	{email: "admin@example.com", password: "Admin123", role: users.RoleAdmin},
	{email: "user@example.com", password: "User123", role: users.RoleUser},
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the default admin and user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			return seed(cmd.Context(), app.sessions, app.logger)
		},
	}
}

type registrar interface {
	Register(ctx context.Context, input sessions.RegisterInput) (users.User, error)
}

// seed registers every default account; existing emails are left untouched.
func seed(ctx context.Context, service registrar, logger *zap.Logger) error {
	for _, account := range seedAccounts {
		user, err := service.Register(ctx, sessions.RegisterInput{
			Email:    account.email,
			Password: account.password,
			Role:     string(account.role),
		})
		switch {
		case errors.Is(err, sessions.ErrDuplicateEmail):
			logger.Info("seed account exists", zap.String("email", account.email))
		case err != nil:
			return err
		default:
			logger.Info("seed account created", zap.String("email", user.Email), zap.String("role", string(user.Role)))
		}
	}
	return nil
}
