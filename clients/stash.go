package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Connection is the server_connection block Stash hands to plugins.
type Connection struct {
	Scheme        string         `json:"Scheme"`
	Host          string         `json:"Host"`
	Port          int            `json:"Port"`
	SessionCookie *SessionCookie `json:"SessionCookie,omitempty"`
	APIKey        string         `json:"ApiKey,omitempty"`
	PluginDir     string         `json:"PluginDir,omitempty"`
}

type SessionCookie struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// URL is the GraphQL endpoint for the connection.
func (c Connection) URL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := c.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9999
	}
	return fmt.Sprintf("%s://%s:%d/graphql", scheme, host, port)
}

type Stash struct {
	h        *HTTP
	endpoint string
	conn     Connection
}

func NewStash(h *HTTP, conn Connection) *Stash {
	return &Stash{h: h, endpoint: conn.URL(), conn: conn}
}

// NewStashURL targets an explicit GraphQL endpoint.
func NewStashURL(h *HTTP, endpoint, apiKey string) *Stash {
	return &Stash{h: h, endpoint: strings.TrimRight(endpoint, "/"), conn: Connection{APIKey: apiKey}}
}

type gqlReq struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResp struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func (s *Stash) do(ctx context.Context, query string, vars map[string]any, out any) error {
	b, _ := json.Marshal(gqlReq{Query: query, Variables: vars})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.conn.APIKey != "" {
		req.Header.Set("ApiKey", s.conn.APIKey)
	}
	if c := s.conn.SessionCookie; c != nil && c.Value != "" {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := s.h.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stash %s: %s", resp.Status, string(body))
	}

	var gr gqlResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("stash decode: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("stash graphql: %s", strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("stash data decode: %w", err)
	}
	return nil
}

// --- types ---
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type SceneFile struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
}

type Scene struct {
	ID    string      `json:"id"`
	Tags  []Tag       `json:"tags"`
	Files []SceneFile `json:"files"`
}

type MarkerScene struct {
	ID    string      `json:"id"`
	Files []SceneFile `json:"files"`
}

type SceneMarker struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Seconds    float64     `json:"seconds"`
	EndSeconds *float64    `json:"end_seconds"`
	PrimaryTag Tag         `json:"primary_tag"`
	Tags       []Tag       `json:"tags"`
	Scene      MarkerScene `json:"scene"`
}

type TagCreateInput struct {
	Name          string   `json:"name"`
	IgnoreAutoTag bool     `json:"ignore_auto_tag"`
	ParentIDs     []string `json:"parent_ids,omitempty"`
}

type MarkerCreateInput struct {
	SceneID      string   `json:"scene_id"`
	PrimaryTagID string   `json:"primary_tag_id"`
	TagIDs       []string `json:"tag_ids"`
	Seconds      float64  `json:"seconds"`
	EndSeconds   *float64 `json:"end_seconds,omitempty"`
	Title        string   `json:"title"`
}

const (
	ModeAdd    = "ADD"
	ModeRemove = "REMOVE"
)

// --- tags ---
func (s *Stash) FindTag(ctx context.Context, name string) (*Tag, error) {
	const q = `query FindTag($name: String!) {
  findTags(tag_filter: {name: {value: $name, modifier: EQUALS}}) { tags { id name } }
}`
	var out struct {
		FindTags struct {
			Tags []Tag `json:"tags"`
		} `json:"findTags"`
	}
	if err := s.do(ctx, q, map[string]any{"name": name}, &out); err != nil {
		return nil, err
	}
	for _, t := range out.FindTags.Tags {
		if strings.EqualFold(t.Name, name) {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Stash) CreateTag(ctx context.Context, in TagCreateInput) (*Tag, error) {
	const q = `mutation TagCreate($input: TagCreateInput!) { tagCreate(input: $input) { id name } }`
	var out struct {
		TagCreate Tag `json:"tagCreate"`
	}
	if err := s.do(ctx, q, map[string]any{"input": in}, &out); err != nil {
		return nil, err
	}
	return &out.TagCreate, nil
}

// ChildTags lists tags whose parents include parentID.
func (s *Stash) ChildTags(ctx context.Context, parentID string) ([]Tag, error) {
	const q = `query ChildTags($id: [ID!]) {
  findTags(filter: {per_page: -1}, tag_filter: {parents: {value: $id, modifier: INCLUDES}}) { tags { id name } }
}`
	var out struct {
		FindTags struct {
			Tags []Tag `json:"tags"`
		} `json:"findTags"`
	}
	if err := s.do(ctx, q, map[string]any{"id": []string{parentID}}, &out); err != nil {
		return nil, err
	}
	return out.FindTags.Tags, nil
}

// --- scenes ---
func (s *Stash) ScenesWithTag(ctx context.Context, tagID string) ([]Scene, error) {
	const q = `query ScenesWithTag($id: [ID!]) {
  findScenes(filter: {per_page: -1}, scene_filter: {tags: {value: $id, modifier: INCLUDES}}) {
    scenes { id tags { id name } files { path duration } }
  }
}`
	var out struct {
		FindScenes struct {
			Scenes []Scene `json:"scenes"`
		} `json:"findScenes"`
	}
	if err := s.do(ctx, q, map[string]any{"id": []string{tagID}}, &out); err != nil {
		return nil, err
	}
	return out.FindScenes.Scenes, nil
}

// UpdateSceneTags adds or removes tagIDs on the scenes. Both modes are
// idempotent on the server side.
func (s *Stash) UpdateSceneTags(ctx context.Context, sceneIDs, tagIDs []string, mode string) error {
	const q = `mutation BulkSceneUpdate($input: BulkSceneUpdateInput!) { bulkSceneUpdate(input: $input) { id } }`
	input := map[string]any{
		"ids":     sceneIDs,
		"tag_ids": map[string]any{"ids": tagIDs, "mode": mode},
	}
	return s.do(ctx, q, map[string]any{"input": input}, nil)
}

// --- markers ---
func (s *Stash) SceneMarkers(ctx context.Context, sceneID string) ([]SceneMarker, error) {
	const q = `query SceneMarkers($id: ID!) {
  findScene(id: $id) { scene_markers { id title seconds end_seconds primary_tag { id name } tags { id name } } }
}`
	var out struct {
		FindScene *struct {
			SceneMarkers []SceneMarker `json:"scene_markers"`
		} `json:"findScene"`
	}
	if err := s.do(ctx, q, map[string]any{"id": sceneID}, &out); err != nil {
		return nil, err
	}
	if out.FindScene == nil {
		return nil, fmt.Errorf("stash: scene %s not found", sceneID)
	}
	for i := range out.FindScene.SceneMarkers {
		out.FindScene.SceneMarkers[i].Scene.ID = sceneID
	}
	return out.FindScene.SceneMarkers, nil
}

func (s *Stash) MarkersWithTag(ctx context.Context, tagID string, withEnd bool) ([]SceneMarker, error) {
	fields := "id title seconds primary_tag { id name } tags { id name } scene { id files { path } }"
	if withEnd {
		fields = "id title seconds end_seconds primary_tag { id name } tags { id name } scene { id files { path } }"
	}
	q := `query MarkersWithTag($id: [ID!]) {
  findSceneMarkers(filter: {per_page: -1}, scene_marker_filter: {tags: {value: $id, modifier: INCLUDES}}) {
    scene_markers { ` + fields + ` }
  }
}`
	var out struct {
		FindSceneMarkers struct {
			SceneMarkers []SceneMarker `json:"scene_markers"`
		} `json:"findSceneMarkers"`
	}
	if err := s.do(ctx, q, map[string]any{"id": []string{tagID}}, &out); err != nil {
		return nil, err
	}
	return out.FindSceneMarkers.SceneMarkers, nil
}

func (s *Stash) CreateSceneMarker(ctx context.Context, in MarkerCreateInput) (string, error) {
	const q = `mutation SceneMarkerCreate($input: SceneMarkerCreateInput!) { sceneMarkerCreate(input: $input) { id } }`
	var out struct {
		SceneMarkerCreate struct {
			ID string `json:"id"`
		} `json:"sceneMarkerCreate"`
	}
	if err := s.do(ctx, q, map[string]any{"input": in}, &out); err != nil {
		return "", err
	}
	return out.SceneMarkerCreate.ID, nil
}

func (s *Stash) DestroySceneMarker(ctx context.Context, id string) error {
	const q = `mutation SceneMarkerDestroy($id: ID!) { sceneMarkerDestroy(id: $id) }`
	return s.do(ctx, q, map[string]any{"id": id}, nil)
}

// SetMarkerTags replaces the secondary tags of a marker.
func (s *Stash) SetMarkerTags(ctx context.Context, id string, tagIDs []string) error {
	const q = `mutation SceneMarkerUpdate($input: SceneMarkerUpdateInput!) { sceneMarkerUpdate(input: $input) { id } }`
	input := map[string]any{"id": id, "tag_ids": tagIDs}
	return s.do(ctx, q, map[string]any{"input": input}, nil)
}

// --- server ---

// VRTagName returns the tag the UI treats as marking VR content, or "".
func (s *Stash) VRTagName(ctx context.Context) (string, error) {
	const q = `query { configuration { ui } }`
	var out struct {
		Configuration struct {
			UI map[string]any `json:"ui"`
		} `json:"configuration"`
	}
	if err := s.do(ctx, q, nil, &out); err != nil {
		return "", err
	}
	name, _ := out.Configuration.UI["vrTag"].(string)
	return name, nil
}

func (s *Stash) Version(ctx context.Context) (string, error) {
	const q = `query { version { version } }`
	var out struct {
		Version struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	if err := s.do(ctx, q, nil, &out); err != nil {
		return "", err
	}
	return out.Version.Version, nil
}
