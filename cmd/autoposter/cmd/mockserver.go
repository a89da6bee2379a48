package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/autoposter/console/internal/config"
	"github.com/autoposter/console/internal/mockbackend"
)

var (
	mockAddr   string
	mockAPIKey string
	mockTTL    time.Duration
	mockUsers  []string
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local stand-in for the backend",
	Long: `Run an in-process backend that implements the authentication contract
(short-lived access tokens, rotating refresh tokens, optional API key) and
answers the domain routes with canned data. Useful for trying the console
without a real deployment.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Mock.Addr
		if cmd.Flags().Changed("addr") {
			addr = mockAddr
		}
		ttl := cfg.Mock.AccessTTL
		if cmd.Flags().Changed("access-ttl") {
			ttl = mockTTL
		}

		mock := mockbackend.New(
			mockbackend.WithAccessTTL(ttl),
			mockbackend.WithAPIKey(mockAPIKey),
			mockbackend.WithLogger(logger),
		)
		users, err := seedUsers(cfg.Mock.Users, mockUsers)
		if err != nil {
			return err
		}
		for _, u := range users {
			if _, err := mock.AddUser(u.Email, u.Username, u.Password, u.FullName); err != nil {
				return fmt.Errorf("seeding user %s: %w", u.Username, err)
			}
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Mount("/", mock.Router())

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		server := &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout(), "Mock backend")
		printer.Info("Listening on http://%s (access tokens live %s, %d user(s))", ln.Addr(), ttl, len(users))
		printer.Info("API docs at http://%s/docs", ln.Addr())

		select {
		case <-cmd.Context().Done():
			printer.Info("Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// seedUsers merges config users with --user flags of the form
// username:password[:email].
func seedUsers(fromConfig []config.MockUser, flags []string) ([]config.MockUser, error) {
	users := append([]config.MockUser(nil), fromConfig...)
	for _, f := range flags {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --user %q: want username:password[:email]", f)
		}
		u := config.MockUser{Username: parts[0], Password: parts[1]}
		if len(parts) == 3 {
			u.Email = parts[2]
		}
		users = append(users, u)
	}
	for i := range users {
		if users[i].Email == "" {
			users[i].Email = users[i].Username + "@example.com"
		}
	}
	return users, nil
}

func init() {
	rootCmd.AddCommand(mockServerCmd)
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8000", "address to listen on")
	mockServerCmd.Flags().StringVar(&mockAPIKey, "accept-key", "", "accept this x-api-key on domain routes")
	mockServerCmd.Flags().DurationVar(&mockTTL, "access-ttl", 15*time.Minute, "access token lifetime")
	mockServerCmd.Flags().StringArrayVar(&mockUsers, "user", nil, "seed an account as username:password[:email]")
}
