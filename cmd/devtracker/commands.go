package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jrsteele09/go-devtracker-auth/app"
	"github.com/jrsteele09/go-devtracker-auth/authapi"
	"github.com/jrsteele09/go-devtracker-auth/federation/browser"
	"github.com/jrsteele09/go-devtracker-auth/internal/config"
	"github.com/jrsteele09/go-devtracker-auth/internal/logging"
	"github.com/jrsteele09/go-devtracker-auth/internal/utils"
	"github.com/jrsteele09/go-devtracker-auth/session"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	envFiles []string
	logLevel string
	banner   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "devtracker",
		Short:         "DevTracker account and session client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, ".env files to load before reading the environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")
	root.PersistentFlags().BoolVar(&flags.banner, "banner", false, "print the application banner")

	root.AddCommand(
		newLoginCmd(flags),
		newRegisterCmd(flags),
		newGitHubCmd(flags),
		newStatusCmd(flags),
		newMeCmd(flags),
		newRefreshCmd(flags),
		newLogoutCmd(flags),
		newVersionCmd(),
	)
	return root
}

// withApp builds the client, restores the stored session and runs fn.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app.App, out io.Writer) error) error {
	cfg := config.New(flags.envFiles...)
	if flags.banner {
		displayAppname(cfg.GetAppName())
	}

	var opts []app.Option
	if flags.logLevel != "" {
		opts = append(opts, app.WithLogger(logging.New(flags.logLevel, cfg.IsDev())))
	}
	a, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a.Start(ctx)
	defer reportMetrics(a)
	return fn(ctx, a, cmd.OutOrStdout())
}

func newLoginCmd(flags *rootFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				if err := a.Session.Login(ctx, email, password); err != nil {
					return errors.New(a.Session.State().LastError)
				}
				a.Session.SetFirstLaunch(ctx, false)
				printState(out, a.Session.State())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCmd(flags *rootFlags) *cobra.Command {
	var (
		req           authapi.RegisterRequest
		developerType string
		hourlyRate    float64
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.DeveloperType = users.DeveloperType(strings.ToUpper(developerType))
			if cmd.Flags().Changed("hourly-rate") {
				req.HourlyRate = utils.Ptr(hourlyRate)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				if err := a.Session.Register(ctx, req); err != nil {
					return errors.New(a.Session.State().LastError)
				}
				a.Session.SetFirstLaunch(ctx, false)
				printState(out, a.Session.State())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (min 8 characters)")
	cmd.Flags().StringVar(&req.Nickname, "nickname", "", "display name")
	cmd.Flags().StringVar(&developerType, "developer-type", string(users.DeveloperFullstack), "FRONTEND, BACKEND, FULLSTACK, MOBILE, DESIGNER, DEVOPS or OTHER")
	cmd.Flags().Float64Var(&hourlyRate, "hourly-rate", 0, "hourly rate")
	cmd.Flags().StringVar(&req.GitHubUsername, "github-username", "", "GitHub username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}

func newGitHubCmd(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Sign in with GitHub through a local redirect listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				if redirect := a.Config.GetGitHubRedirectURI(); !browser.IsLoopbackRedirect(redirect) {
					return fmt.Errorf("GITHUB_REDIRECT_URI %q cannot be served locally, set it to an http://127.0.0.1:<port>/callback address registered for the GitHub app", redirect)
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				res := a.GitHub.SignIn(ctx)
				if !res.Success {
					return errors.New(res.Error)
				}
				a.Session.SetFirstLaunch(ctx, false)
				printState(out, a.Session.State())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				printState(out, a.Session.State())
				if a.GitHub.HasProviderToken(ctx) {
					fmt.Fprintln(out, "github:        linked")
				}
				return nil
			})
		},
	}
}

func newMeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Fetch the signed in user's profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				u, err := a.API.Me(ctx)
				if err != nil {
					return err
				}
				a.Session.SetUser(ctx, u)
				printUser(out, u)
				return nil
			})
		},
	}
}

func newRefreshCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the stored token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				if !a.Session.RefreshAuth(ctx) {
					return errors.New("refresh failed, please sign in again")
				}
				printState(out, a.Session.State())
				return nil
			})
		},
	}
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget all stored tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App, out io.Writer) error {
				a.Logout(ctx)
				fmt.Fprintln(out, "signed out")
				return nil
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printState(out io.Writer, s session.State) {
	fmt.Fprintf(out, "status:        %s\n", s.Status())
	if s.User != nil {
		fmt.Fprintf(out, "user:          %s (%s)\n", s.User.DisplayName(), s.User.ID)
	}
	if exp := s.AccessTokenExpiry(); !exp.IsZero() {
		fmt.Fprintf(out, "token expires: %s\n", exp.Local().Format(time.RFC1123))
	}
	if s.IsAuthenticated && s.RefreshToken == "" {
		fmt.Fprintln(out, "refresh:       unavailable, sign in again when the token expires")
	}
	if s.LastError != "" {
		fmt.Fprintf(out, "last error:    %s\n", s.LastError)
	}
	fmt.Fprintf(out, "first launch:  %t\n", s.IsFirstLaunch)
}

func printUser(out io.Writer, u *users.User) {
	fmt.Fprintf(out, "id:            %s\n", u.ID)
	fmt.Fprintf(out, "email:         %s\n", u.Email)
	fmt.Fprintf(out, "nickname:      %s\n", u.Nickname)
	if u.DeveloperType != "" {
		fmt.Fprintf(out, "developer:     %s\n", u.DeveloperType)
	}
	if u.SubscriptionPlan != "" {
		fmt.Fprintf(out, "plan:          %s\n", u.SubscriptionPlan)
	}
	if u.GitHubUsername != "" {
		fmt.Fprintf(out, "github:        %s\n", u.GitHubUsername)
	}
}

// reportMetrics logs the counters recorded during this invocation at debug level.
func reportMetrics(a *app.App) {
	families, err := a.Registry.Gather()
	if err != nil {
		a.Log.Warn().Err(err).Msg("failed to gather metrics")
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			event := a.Log.Debug().Str("metric", mf.GetName())
			for _, label := range m.GetLabel() {
				event = event.Str(label.GetName(), label.GetValue())
			}
			event.Float64("value", m.GetCounter().GetValue()).Msg("metric")
		}
	}
}
