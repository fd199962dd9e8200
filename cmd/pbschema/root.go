package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eqr/pbschema"
	"github.com/eqr/pbschema/internal/config"
	"github.com/eqr/pbschema/migrations"
	"github.com/eqr/pbschema/store/embedded"
	"github.com/eqr/pbschema/store/remote"
)

// backend is an opened schema store and ledger.
type backend struct {
	store  migrations.SchemaStore
	ledger migrations.Ledger
	close  func() error
}

type openFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error)

type cli struct {
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
	open   openFunc

	configPath string
	overrides  overrides

	cfg    config.Config
	logger *slog.Logger
}

// overrides holds flag values that win over the config file.
type overrides struct {
	dir      string
	backend  string
	url      string
	email    string
	password string
	token    string
	dataDir  string
	ledger   string
	app      string
	dryRun   bool
	logLevel string
}

func newCLI(out, errOut io.Writer) *cli {
	return &cli{
		out:    out,
		errOut: errOut,
		now:    time.Now,
		open:   openBackend,
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "pbschema",
		Short:         "Apply and revert PocketBase schema steps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	f := root.PersistentFlags()
	f.StringVar(&c.configPath, "config", os.Getenv("PBSCHEMA_CONFIG"), "path to a YAML or JSON config file")
	f.StringVar(&c.overrides.dir, "dir", "", "directory holding step files")
	f.StringVar(&c.overrides.backend, "backend", "", "remote or embedded")
	f.StringVar(&c.overrides.url, "url", "", "PocketBase base URL (remote)")
	f.StringVar(&c.overrides.email, "email", "", "superuser email (remote)")
	f.StringVar(&c.overrides.password, "password", "", "superuser password (remote)")
	f.StringVar(&c.overrides.token, "token", "", "superuser token, used instead of email and password (remote)")
	f.StringVar(&c.overrides.dataDir, "data-dir", "", "PocketBase data directory (embedded)")
	f.StringVar(&c.overrides.ledger, "ledger", "", "ledger collection (remote) or table (embedded)")
	f.StringVar(&c.overrides.app, "app", "", "application name that scopes the ledger")
	f.BoolVar(&c.overrides.dryRun, "dry-run", false, "log what would change without changing it")
	f.StringVar(&c.overrides.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newUpCmd(c),
		newDownCmd(c),
		newStatusCmd(c),
		newPendingCmd(c),
		newPruneCmd(c),
		newCreateCmd(c),
	)
	return root
}

// setup loads the config, applies flag overrides and builds the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	loader, err := config.Open(c.configPath)
	if err != nil {
		return err
	}
	cfg, err := loader.Config()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	set := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	set("dir", &cfg.Dir, c.overrides.dir)
	set("backend", &cfg.Backend, c.overrides.backend)
	set("url", &cfg.Remote.URL, c.overrides.url)
	set("email", &cfg.Remote.Email, c.overrides.email)
	set("password", &cfg.Remote.Password, c.overrides.password)
	set("token", &cfg.Remote.Token, c.overrides.token)
	set("data-dir", &cfg.Embedded.DataDir, c.overrides.dataDir)
	set("app", &cfg.Ledger.AppName, c.overrides.app)
	set("log-level", &cfg.LogLevel, c.overrides.logLevel)
	if flags.Changed("ledger") {
		cfg.Ledger.Collection = c.overrides.ledger
		cfg.Ledger.Table = c.overrides.ledger
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = c.overrides.dryRun
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	c.logger = slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level}))
	c.cfg = cfg

	c.logger.Debug("debug logging enabled, loaded configuration", "config", loader.Print())
	return nil
}

// runner validates the config, opens the backend and registers the steps
// found in the configured directory.
func (c *cli) runner(ctx context.Context) (*migrations.Runner, func(), error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	steps, err := migrations.LoadDir(os.DirFS(c.cfg.Dir), ".")
	if err != nil {
		return nil, nil, err
	}

	b, err := c.open(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if b.close == nil {
			return
		}
		if err := b.close(); err != nil {
			c.logger.Warn("close backend", "err", err)
		}
	}

	r := migrations.NewRunner(b.store, b.ledger,
		migrations.WithLogger(c.logger),
		migrations.WithDryRun(c.cfg.DryRun),
	)
	if err := r.RegisterAll(steps...); err != nil {
		closeFn()
		return nil, nil, err
	}

	c.logger.Debug("loaded steps", "dir", c.cfg.Dir, "count", len(steps), "backend", c.cfg.Backend)
	return r, closeFn, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendRemote:
		return openRemote(ctx, cfg, logger)
	case config.BackendEmbedded:
		b, closeFn, err := embedded.Open(cfg.Embedded.DataDir,
			embedded.WithTable(cfg.Ledger.Table),
			embedded.WithAppName(cfg.Ledger.AppName),
		)
		if err != nil {
			return nil, err
		}
		return &backend{store: b, ledger: b, close: closeFn}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func openRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	opts := []pbschema.ClientOption{
		pbschema.WithLogger(logger),
		pbschema.WithRetry(cfg.Remote.Retries, cfg.Remote.RetryBackoff),
	}
	if cfg.Remote.Timeout > 0 {
		opts = append(opts, pbschema.WithTimeout(cfg.Remote.Timeout))
	}

	var (
		client pbschema.AuthenticatedClient
		err    error
	)
	if strings.TrimSpace(cfg.Remote.Token) != "" {
		client, err = pbschema.NewTokenClient(cfg.Remote.URL, cfg.Remote.Token, opts...)
	} else {
		var base pbschema.Client
		base, err = pbschema.NewClient(cfg.Remote.URL, opts...)
		if err == nil {
			client, err = base.AuthenticateSuperuser(ctx, pbschema.Credentials{
				Email:    cfg.Remote.Email,
				Password: cfg.Remote.Password,
			})
		}
	}
	if err != nil {
		if errors.Is(err, pbschema.ErrUnauthorized) || errors.Is(err, pbschema.ErrBadRequest) {
			return nil, fmt.Errorf("authenticate superuser: %w", err)
		}
		return nil, err
	}

	return &backend{
		store: remote.NewStore(client),
		ledger: remote.NewLedger(client,
			remote.WithCollectionName(cfg.Ledger.Collection),
			remote.WithAutoCreate(cfg.Ledger.AutoCreate),
			remote.WithAppName(cfg.Ledger.AppName),
			remote.WithLedgerLogger(logger),
		),
	}, nil
}
