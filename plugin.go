package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haven-vlm/vlm-connector/clients"
	"github.com/haven-vlm/vlm-connector/orchestrator"
)

const (
	modeTag      = "tag_videos"
	modeSettings = "find_marker_settings"
	modeCollect  = "collect_incorrect_markers"

	pluginConfigName = "haven_vlm_config.yaml"
)

// pluginInput is the request Stash writes to a raw-interface plugin's stdin.
type pluginInput struct {
	ServerConnection clients.Connection `json:"server_connection"`
	Args             struct {
		Mode string `json:"mode"`
	} `json:"args"`
}

type pluginOutput struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newPluginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugin",
		Short: "Run one task as a Stash plugin (request on stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.runPlugin(cmd)
			out := pluginOutput{Output: "ok"}
			if err != nil {
				out = pluginOutput{Error: err.Error()}
			}
			if werr := json.NewEncoder(a.stdout).Encode(out); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
}

func (a *app) runPlugin(cmd *cobra.Command) error {
	var in pluginInput
	if err := json.NewDecoder(a.stdin).Decode(&in); err != nil {
		return fmt.Errorf("read plugin input: %w", err)
	}
	switch in.Args.Mode {
	case modeTag, modeSettings, modeCollect:
	default:
		return fmt.Errorf("unknown mode %q", in.Args.Mode)
	}

	conn := in.ServerConnection
	rt, err := a.setupFrom(cmd.Context(), a.pluginConfig(conn.PluginDir), true, func(h *clients.HTTP) *clients.Stash {
		return clients.NewStash(h, conn)
	})
	if err != nil {
		return err
	}
	return dispatch(cmd, rt, in.Args.Mode)
}

// pluginConfig prefers --config, then the config file shipped in the plugin
// directory, then the usual search path.
func (a *app) pluginConfig(pluginDir string) string {
	if a.configPath != "" || pluginDir == "" {
		return a.configPath
	}
	p := filepath.Join(pluginDir, pluginConfigName)
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return p
	}
	return ""
}

func dispatch(cmd *cobra.Command, rt *runtime, mode string) error {
	ctx := cmd.Context()
	switch mode {
	case modeTag:
		_, err := rt.pipeline.TagVideos(ctx)
		return err
	case modeSettings:
		_, err := rt.pipeline.FindMarkerSettings(ctx)
		var pe *orchestrator.PreconditionError
		if errors.As(err, &pe) {
			return nil
		}
		return err
	case modeCollect:
		_, err := rt.pipeline.CollectIncorrect(ctx, rt.archive)
		return err
	}
	return fmt.Errorf("unknown mode %q", mode)
}
