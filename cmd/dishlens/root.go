package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/dishlens/dishlens/pkg/session"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080/api"

// cli holds what every command needs. Flag values win over config values.
type cli struct {
	config *aqm.Config
	logger aqm.Logger
	out    io.Writer

	apiURL    string
	token     string
	statePath string
	slug      string
	timeout   time.Duration

	store kv.Store
}

func newCLI(config *aqm.Config, logger aqm.Logger, out io.Writer) *cli {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &cli{config: config, logger: logger, out: out}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Order from a restaurant table and run its floor from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       appVersion,
	}
	root.SetOut(c.out)
	root.SetErr(c.out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.apiURL, "api", "", "Backend API base URL (config: api.url)")
	flags.StringVar(&c.token, "token", "", "Staff or platform bearer token (config: api.token)")
	flags.StringVar(&c.statePath, "state", "", "Path of the local state file (config: state.path)")
	flags.StringVarP(&c.slug, "restaurant", "r", "", "Restaurant slug (config: restaurant.slug)")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "Per-request timeout")

	root.AddCommand(
		newSessionCmd(c),
		newMenuCmd(c),
		newCartCmd(c),
		newOrderCmd(c),
		newWaiterCmd(c),
		newStaffCmd(c),
		newPlatformCmd(c),
	)
	return root
}

func (c *cli) setting(flagValue, key, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if c.config != nil {
		return c.config.GetStringOrDef(key, def)
	}
	return def
}

func (c *cli) client() *api.Client {
	return api.NewClient(
		c.setting(c.apiURL, "api.url", defaultAPIURL),
		api.WithToken(c.setting(c.token, "api.token", "")),
		api.WithTimeout(c.timeout),
		api.WithLogger(c.logger),
	)
}

func (c *cli) restaurant() (string, error) {
	slug := c.setting(c.slug, "restaurant.slug", "")
	if slug == "" {
		return "", errors.New("no restaurant selected, pass --restaurant")
	}
	return slug, nil
}

func (c *cli) stateStore() kv.Store {
	if c.store != nil {
		return c.store
	}
	path := c.setting(c.statePath, "state.path", "")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		path = filepath.Join(home, ".dishlens", "state.json")
	}
	c.store = kv.NewFileStore(path)
	return c.store
}

func (c *cli) resolver() *session.Resolver {
	store := c.stateStore()
	return session.NewResolver(c.client(), store,
		session.WithDeviceIDs(session.NewStoredDeviceID(store, c.logger)),
		session.WithLogger(c.logger),
	)
}

// currentSession returns the stored table session for the restaurant.
func (c *cli) currentSession(ctx context.Context, slug string) (*session.TableSession, error) {
	ts := c.resolver().Load(ctx, slug)
	if ts == nil {
		return nil, fmt.Errorf("no table session for %s, run `%s session --t <token>` first", slug, appName)
	}
	return ts, nil
}

func (c *cli) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}
