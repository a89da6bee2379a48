package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/autoposter/console/backend"
	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
	"github.com/autoposter/console/internal/config"
	"github.com/autoposter/console/internal/util"
	"github.com/autoposter/console/session"
	"github.com/autoposter/console/storage"
	boltstore "github.com/autoposter/console/storage/bbolt"
	"github.com/autoposter/console/storage/memory"
	"github.com/autoposter/console/storage/postgres"
)

// app is everything a backend command needs.
type app struct {
	store   *credstore.Store
	session *session.Session
	backend *backend.Client
	close   func()
}

// openRepository opens the configured credential backend.
func openRepository(ctx context.Context) (storage.Repository, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return memory.NewRepository(), func() {}, nil
	case config.StorePostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening credential store: %w", err)
		}
		return repo, repo.Close, nil
	default:
		if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		repo, err := boltstore.NewRepositoryFromFile(cfg.StorePath(), &bbolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("opening credential store: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	}
}

// openStore opens the credential store for the active profile. A store
// whose passphrase does not match is replaced by an empty in-memory one so
// the command can still run signed out.
func openStore(ctx context.Context) (*credstore.Store, func(), error) {
	repo, closeRepo, err := openRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := []credstore.Option{
		credstore.WithNamespace(cfg.Profile),
		credstore.WithLogger(logger),
	}
	if cfg.Store.Passphrase != "" {
		params, err := util.Argon2idProfile(cfg.Store.KDFProfile)
		if err != nil {
			closeRepo()
			return nil, nil, err
		}
		sealer, err := credstore.OpenSealer(repo, cfg.Profile, cfg.Store.Passphrase, params)
		switch {
		case err == nil:
			opts = append(opts, credstore.WithSealer(sealer))
		case errors.Is(err, credstore.ErrPassphraseMismatch):
			printer.Warning("Credential store passphrase does not match; continuing without a stored session.")
			closeRepo()
			repo, closeRepo = memory.NewRepository(), func() {}
		default:
			closeRepo()
			return nil, nil, err
		}
	}
	return credstore.New(repo, opts...), closeRepo, nil
}

func newDispatcher() (*client.Dispatcher, error) {
	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		client.WithUserAgent("autoposter-console/" + version),
		client.WithLogger(logger),
	}
	if cfg.API.Key != "" {
		opts = append(opts, client.WithAPIKey(cfg.API.Key))
	}
	if cfg.API.RateLimit > 0 {
		opts = append(opts, client.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst))
	}
	return client.New(cfg.API.URL, opts...)
}

func openApp(ctx context.Context) (*app, error) {
	store, closeStore, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	d, err := newDispatcher()
	if err != nil {
		closeStore()
		return nil, err
	}

	sess := session.New(store, d, session.WithLogger(logger))
	cancel := sess.Events().Subscribe(func(e session.Event) {
		logger.Debug("session event", "reason", e.Reason)
		printer.Warning("Session expired. Please log in again.")
	})
	return &app{
		store:   store,
		session: sess,
		backend: backend.New(sess),
		close: func() {
			cancel()
			closeStore()
		},
	}, nil
}

// withApp wraps a RunE body that needs an open app.
func withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args, a)
	}
}

// callFunc is a backend.Client method that takes no arguments.
type callFunc func(c *backend.Client, ctx context.Context) (json.RawMessage, error)

// leaf returns a command that makes one argument-less backend call and
// prints the response.
func leaf(use, short string, call callFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			return printResult(call(a.backend, cmd.Context()))
		}),
	}
}

// printResult prints a backend response honouring --json.
func printResult(raw json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		printer.Success("Done.")
		return nil
	}
	return printer.Result(raw, cfg.Output.JSON)
}
