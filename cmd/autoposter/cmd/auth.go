package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
	"github.com/autoposter/console/internal/output"
	"github.com/autoposter/console/session"
)

var (
	loginUser     string
	passwordStdin bool
	logoutAll     bool
	whoamiCached  bool

	registerEmail    string
	registerUsername string
	registerFullName string
)

// prompter reads answers from the command's stdin. Passwords are read
// without echo when stdin is a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
}

func (p *prompter) line(label string) (string, error) {
	if label != "" {
		fmt.Fprint(p.out, label)
	}
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", fmt.Errorf("reading %s: %w", strings.TrimSuffix(strings.ToLower(label), ": "), err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (p *prompter) secret(label string, fromStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if fromStdin || !term.IsTerminal(fd) {
		return p.line("")
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the backend",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		p := newPrompter(cmd)
		user := loginUser
		if user == "" {
			var err error
			if user, err = p.line("Email or username: "); err != nil {
				return err
			}
		}
		password, err := p.secret("Password: ", passwordStdin)
		if err != nil {
			return err
		}

		id, err := a.session.Login(cmd.Context(), user, password)
		if err != nil {
			return loginError(err)
		}
		printer.Success("Signed in as %s (profile %s)", id.DisplayName(), a.store.Namespace())
		return nil
	}),
}

func loginError(err error) error {
	switch client.StatusCode(err) {
	case http.StatusUnauthorized:
		return &output.CLIError{Summary: "Invalid email/username or password.", ExitCode: output.ExitGeneral}
	case http.StatusForbidden:
		return &output.CLIError{Summary: "This account is inactive.", ExitCode: output.ExitGeneral}
	}
	return err
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		if !a.session.IsAuthenticated() {
			printer.Info("Not signed in.")
			return nil
		}
		if logoutAll {
			a.session.LogoutAll(cmd.Context())
			printer.Success("Signed out of all devices.")
			return nil
		}
		a.session.Logout(cmd.Context())
		printer.Success("Signed out.")
		return nil
	}),
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		if registerEmail == "" || registerUsername == "" {
			return &output.CLIError{Summary: "--email and --username are required", ExitCode: output.ExitUsageError}
		}
		password, err := newPrompter(cmd).secret("Password: ", passwordStdin)
		if err != nil {
			return err
		}
		id, err := a.session.Register(cmd.Context(), session.RegisterRequest{
			Email:    registerEmail,
			Username: registerUsername,
			Password: password,
			FullName: registerFullName,
		})
		if err != nil {
			if client.StatusCode(err) == http.StatusConflict {
				return &output.CLIError{Summary: "An account with this email or username already exists.", ExitCode: output.ExitGeneral}
			}
			return err
		}
		printer.Success("Registered %s. Run 'autoposter login' to sign in.", id.DisplayName())
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		var (
			id  credstore.Identity
			err error
		)
		if whoamiCached {
			var ok bool
			if id, ok = a.session.CachedIdentity(); !ok {
				return &output.CLIError{Summary: "No cached identity.", Suggestion: "Run 'autoposter login'", ExitCode: output.ExitGeneral}
			}
		} else if id, err = a.session.CurrentIdentity(cmd.Context()); err != nil {
			return err
		}
		return printIdentity(id)
	}),
}

func printIdentity(id credstore.Identity) error {
	if cfg.Output.JSON {
		return printer.JSONValue(id)
	}
	t := output.NewTable(printer.Out(), []string{"field", "value"})
	t.AddRow([]string{"id", id.ID})
	t.AddRow([]string{"username", id.Username})
	t.AddRow([]string{"email", id.Email})
	t.AddRow([]string{"name", id.FullName})
	t.AddRow([]string{"active", fmt.Sprint(id.IsActive)})
	t.AddRow([]string{"superuser", fmt.Sprint(id.IsSuperuser)})
	return t.Render()
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the account password (signs out everywhere)",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		p := newPrompter(cmd)
		current, err := p.secret("Current password: ", passwordStdin)
		if err != nil {
			return err
		}
		next, err := p.secret("New password: ", passwordStdin)
		if err != nil {
			return err
		}
		if err := a.session.ChangePassword(cmd.Context(), current, next); err != nil {
			if client.StatusCode(err) == http.StatusBadRequest {
				return &output.CLIError{Summary: "Current password is incorrect.", ExitCode: output.ExitGeneral}
			}
			return err
		}
		printer.Success("Password changed. Sign in again with 'autoposter login'.")
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the stored session against the backend",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		if !a.session.IsAuthenticated() {
			printer.Info("Not signed in (profile %s).", a.store.Namespace())
			return nil
		}
		if !a.session.Verify(cmd.Context()) {
			return session.ErrSessionExpired
		}
		id, _ := a.session.CachedIdentity()
		printer.Success("Signed in as %s (profile %s)", id.DisplayName(), a.store.Namespace())
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, whoamiCmd, passwdCmd, statusCmd)

	loginCmd.Flags().StringVarP(&loginUser, "user", "u", "", "email or username")
	for _, c := range []*cobra.Command{loginCmd, registerCmd, passwdCmd} {
		c.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read passwords from stdin, one per line")
	}
	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "revoke every session of the account")
	whoamiCmd.Flags().BoolVar(&whoamiCached, "cached", false, "show the cached identity without calling the backend")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "account email")
	registerCmd.Flags().StringVar(&registerUsername, "username", "", "account username")
	registerCmd.Flags().StringVar(&registerFullName, "full-name", "", "display name")
}
