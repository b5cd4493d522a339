package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/haven-vlm/vlm-connector/clients"
)

// HTTPEngine is the Engine backed by the VLM engine service.
type HTTPEngine struct {
	http *clients.HTTP
	url  string
}

func NewHTTPEngine(h *clients.HTTP, url string) *HTTPEngine {
	return &HTTPEngine{http: h, url: url}
}

func videoReq(req AnalyzeRequest) clients.VideoReq {
	return clients.VideoReq{
		VideoPath:        req.Path,
		FrameInterval:    req.Interval,
		Threshold:        req.Threshold,
		ReturnConfidence: req.WantConfidence,
		VRVideo:          req.Wide,
		WorkDir:          req.WorkDir,
	}
}

func (e *HTTPEngine) Analyze(ctx context.Context, req AnalyzeRequest, onProgress func(percent int)) (*JobResult, error) {
	resp, err := e.http.ProcessVideo(ctx, e.url, videoReq(req), onProgress)
	if err != nil {
		return nil, err
	}
	return toJobResult(resp.Info), nil
}

func (e *HTTPEngine) AnalyzeRaw(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error) {
	req.Threshold = 0
	req.WantConfidence = true
	resp, err := e.http.ProcessVideo(ctx, e.url, videoReq(req), nil)
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

func (e *HTTPEngine) OptimizeSettings(ctx context.Context, raw json.RawMessage, truth map[string]TimeFrame) (MarkerSettings, error) {
	desired := make(map[string]clients.TimeSpan, len(truth))
	for tag, tf := range truth {
		conf := tf.Confidence
		desired[tag] = clients.TimeSpan{Start: tf.Start, End: tf.End, TotalConfidence: &conf}
	}
	resp, err := e.http.OptimizeTimeframeSettings(ctx, e.url, raw, desired)
	if err != nil {
		return MarkerSettings{}, err
	}
	return MarkerSettings{
		Threshold:         resp.Threshold,
		MinMarkerDuration: resp.MinMarkerDuration,
		MaxGap:            resp.MaxGap,
		Raw:               resp.Raw,
	}, nil
}
