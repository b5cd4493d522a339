package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haven-vlm/vlm-connector/clients"
	cfg "github.com/haven-vlm/vlm-connector/config"
	"github.com/haven-vlm/vlm-connector/logging"
	"github.com/haven-vlm/vlm-connector/media"
	"github.com/haven-vlm/vlm-connector/orchestrator"
)

const stashTimeout = 60 * time.Second

// app carries global flags and the process streams.
type app struct {
	configPath string
	logLevel   string
	stashURL   string
	apiKey     string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// runtime is everything one mode needs, built from the loaded config.
type runtime struct {
	cfg      *cfg.Root
	log      *logrus.Logger
	pipeline *orchestrator.Pipeline
	archive  orchestrator.MarkerArchive
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "haven-vlm: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "haven-vlm",
		Short:         "Tag Stash scenes with a vision-language model engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: config/$CONFIG_ENV/config.yaml or haven_vlm_config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "", "override log_level from the config")

	conn := func(c *cobra.Command) *cobra.Command {
		c.Flags().StringVar(&a.stashURL, "stash-url", "http://localhost:9999/graphql", "Stash GraphQL endpoint")
		c.Flags().StringVar(&a.apiKey, "api-key", "", "Stash API key")
		return c
	}

	var jsonOut bool
	tag := conn(&cobra.Command{
		Use:   "tag",
		Short: "Analyze every scene tagged for processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.setup(cmd.Context(), false, a.directStash())
			if err != nil {
				return err
			}
			out, err := rt.pipeline.TagVideos(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return nil
		},
	})
	tag.Flags().BoolVar(&jsonOut, "json", false, "print the batch outcome as JSON")

	findSettings := conn(&cobra.Command{
		Use:   "find-settings",
		Short: "Derive marker settings from the one scene tagged for processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.setup(cmd.Context(), false, a.directStash())
			if err != nil {
				return err
			}
			s, err := rt.pipeline.FindMarkerSettings(cmd.Context())
			var pe *orchestrator.PreconditionError
			if errors.As(err, &pe) {
				return nil
			}
			if err != nil {
				return err
			}
			return yaml.NewEncoder(a.stdout).Encode(s)
		},
	})

	collect := conn(&cobra.Command{
		Use:   "collect-incorrect",
		Short: "Export markers flagged as incorrect and clear the flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.setup(cmd.Context(), false, a.directStash())
			if err != nil {
				return err
			}
			_, err = rt.pipeline.CollectIncorrect(cmd.Context(), rt.archive)
			return err
		},
	})

	show := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			c, err := a.loadConfig(a.configPath)
			if err != nil {
				return err
			}
			return cfg.Encode(a.stdout, c)
		},
	}

	root.AddCommand(tag, findSettings, collect, show, newPluginCmd(a))
	return root
}

func (a *app) directStash() func(*clients.HTTP) *clients.Stash {
	return func(h *clients.HTTP) *clients.Stash { return clients.NewStashURL(h, a.stashURL, a.apiKey) }
}

func (a *app) loadConfig(path string) (*cfg.Root, error) {
	c, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		c.LogLevel = a.logLevel
	}
	return c, nil
}

// setup loads config, connects to Stash and wires the pipeline. Every
// failure here is a *config.Error.
func (a *app) setup(ctx context.Context, plugin bool, stash func(*clients.HTTP) *clients.Stash) (*runtime, error) {
	return a.setupFrom(ctx, a.configPath, plugin, stash)
}

func (a *app) setupFrom(ctx context.Context, path string, plugin bool, stash func(*clients.HTTP) *clients.Stash) (*runtime, error) {
	c, err := a.loadConfig(path)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(c.LogLevel, a.stderr, plugin)
	if err != nil {
		return nil, &cfg.Error{Code: cfg.ErrCodeInvalid, Key: "log_level", Err: err}
	}

	handler, err := media.New(ctx, stash(clients.NewHTTP(stashTimeout)), c.Tags, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialize Stash handler")
		return nil, err
	}
	engine := orchestrator.NewHTTPEngine(clients.NewHTTP(cfg.DurSeconds(c.Engine.Timeout)), c.Engine.URL)
	progress := logging.NewProgress(a.stderr, log, plugin)

	return &runtime{
		cfg:      c,
		log:      log,
		pipeline: orchestrator.NewPipeline(c, engine, handler, log, progress.Report),
		archive:  handler,
	}, nil
}
