package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// MarkerRecord is the on-disk form of an exported marker.
type MarkerRecord struct {
	MarkerID   string   `json:"marker_id"`
	SceneID    string   `json:"scene_id"`
	TagName    string   `json:"tag_name"`
	Seconds    float64  `json:"seconds"`
	EndSeconds *float64 `json:"end_seconds"`
	SceneFile  string   `json:"scene_file"`
	Timestamp  string   `json:"timestamp"`
}

type settingsBundle struct {
	SceneID     string         `yaml:"scene_id"`
	GeneratedAt time.Time      `yaml:"generated_at"`
	Settings    MarkerSettings `yaml:"settings"`
	Engine      map[string]any `yaml:"engine_response,omitempty"`
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exportMarkers writes one JSON file per marker under
// <root>/scenes/<tag>/. Markers that cannot be written are logged and left
// out of the returned slice.
func exportMarkers(root string, markers []Marker, log logrus.FieldLogger) (int, []Marker) {
	sceneDir := filepath.Join(root, "scenes")
	ts := time.Now().Format("20060102_150405")
	exported := make([]Marker, 0, len(markers))

	for _, m := range markers {
		if m.ItemPath == "" {
			log.WithField("marker", m.ID).Error("Marker has no scene path")
			continue
		}
		dir := filepath.Join(sceneDir, sanitizeFilename(m.TagName))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).WithField("marker", m.ID).Error("Failed to collect scene")
			continue
		}
		name := fmt.Sprintf("marker_%s_scene_%s_%s_%s.json", m.ID, m.ItemID, sanitizeFilename(m.TagName), ts)
		rec := MarkerRecord{
			MarkerID:   m.ID,
			SceneID:    m.ItemID,
			TagName:    m.TagName,
			Seconds:    m.Start,
			EndSeconds: m.End,
			SceneFile:  m.ItemPath,
			Timestamp:  ts,
		}
		if err := writeJSON(filepath.Join(dir, name), rec); err != nil {
			log.WithError(err).WithField("marker", m.ID).Error("Failed to write marker data")
			continue
		}
		exported = append(exported, m)
	}
	return len(exported), exported
}

// writeSettings stores derived settings as YAML under <root>/settings/. An
// engine response that is not a JSON object is left out of the file.
func writeSettings(root, sceneID string, s MarkerSettings, log logrus.FieldLogger) (string, error) {
	dir := filepath.Join(root, "settings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	bundle := settingsBundle{SceneID: sceneID, GeneratedAt: time.Now(), Settings: s}
	if len(s.Raw) > 0 {
		if err := json.Unmarshal(s.Raw, &bundle.Engine); err != nil {
			bundle.Engine = nil
			log.WithError(err).WithField("scene", sceneID).Warn("Engine response is not a JSON object, saving settings only")
		}
	}
	b, err := yaml.Marshal(bundle)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("scene_%s_%s.yaml", sanitizeFilename(sceneID), time.Now().Format("20060102-150405")))
	return path, os.WriteFile(path, b, 0o644)
}

// sanitizeFilename replaces characters that are invalid in file names on
// common filesystems.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "unnamed"
	}
	return name
}
