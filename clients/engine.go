package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// --- VLM engine: video analysis (/process_video) ---
type VideoReq struct {
	VideoPath        string  `json:"video_path"`
	FrameInterval    float64 `json:"frame_interval"`
	Threshold        float64 `json:"threshold"`
	ReturnConfidence bool    `json:"return_confidence"`
	VRVideo          bool    `json:"vr_video"`
	WorkDir          string  `json:"work_dir,omitempty"`
}

type TimeSpan struct {
	Start           float64  `json:"start"`
	End             float64  `json:"end"`
	TotalConfidence *float64 `json:"total_confidence"`
}

type VideoTagInfo struct {
	VideoDuration float64                          `json:"video_duration"`
	VideoTags     map[string][]string              `json:"video_tags"`
	TagTotals     map[string]map[string]float64    `json:"tag_totals"`
	TagTimespans  map[string]map[string][]TimeSpan `json:"tag_timespans"`
}

// VideoEvent is one line of the /process_video response stream.
type VideoEvent struct {
	Type         string          `json:"type"`
	Progress     int             `json:"progress"`
	VideoTagInfo json.RawMessage `json:"video_tag_info,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type VideoResp struct {
	Info VideoTagInfo
	// Raw is the video_tag_info object exactly as the engine sent it.
	Raw json.RawMessage
}

// ProcessVideo streams the analysis of one video. onProgress, when set, is
// called for every progress event in arrival order before the result is
// returned.
func (h *HTTP) ProcessVideo(ctx context.Context, url string, req VideoReq, onProgress func(percent int)) (*VideoResp, error) {
	b, _ := json.Marshal(req)
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/process_video", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/x-ndjson")

	resp, err := h.c.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("process_video %s: %s", resp.Status, string(body))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev VideoEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("process_video: stream ended without a result")
			}
			return nil, fmt.Errorf("process_video decode: %w", err)
		}
		switch ev.Type {
		case "progress":
			if onProgress != nil {
				onProgress(ev.Progress)
			}
		case "error":
			return nil, fmt.Errorf("process_video: engine error: %s", ev.Error)
		case "result":
			out := VideoResp{Raw: ev.VideoTagInfo}
			if err := json.Unmarshal(ev.VideoTagInfo, &out.Info); err != nil {
				return nil, fmt.Errorf("process_video result decode: %w", err)
			}
			return &out, nil
		}
	}
}

// --- VLM engine: marker settings search (/optimize_timeframe_settings) ---
type OptimizeReq struct {
	ExistingJSONData    json.RawMessage     `json:"existing_json_data"`
	DesiredTimespanData map[string]TimeSpan `json:"desired_timespan_data"`
}

type OptimizeResp struct {
	Threshold         float64         `json:"threshold"`
	MinMarkerDuration float64         `json:"min_marker_duration"`
	MaxGap            float64         `json:"max_gap"`
	Raw               json.RawMessage `json:"-"`
}

func (h *HTTP) OptimizeTimeframeSettings(ctx context.Context, url string, existing json.RawMessage, desired map[string]TimeSpan) (*OptimizeResp, error) {
	if len(existing) == 0 {
		existing = json.RawMessage("{}")
	}
	b, _ := json.Marshal(OptimizeReq{ExistingJSONData: existing, DesiredTimespanData: desired})
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/optimize_timeframe_settings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := h.c.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("optimize read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("optimize %s: %s", resp.Status, string(body))
	}

	var out OptimizeResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("optimize decode: %w", err)
	}
	out.Raw = body
	return &out, nil
}
