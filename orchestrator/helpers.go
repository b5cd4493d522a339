package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haven-vlm/vlm-connector/clients"
	cfg "github.com/haven-vlm/vlm-connector/config"
)

// mutatePath rewrites the prefix of the first matching entry.
func mutatePath(path string, mutations []cfg.PathMutation) string {
	for _, m := range mutations {
		if m.From != "" && strings.HasPrefix(path, m.From) {
			return m.To + path[len(m.From):]
		}
	}
	return path
}

// unionTags flattens category -> tags into a sorted, de-duplicated list.
func unionTags(byCategory map[string][]string) []string {
	seen := map[string]struct{}{}
	for _, tags := range byCategory {
		for _, t := range tags {
			if t == "" {
				continue
			}
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// toJobResult converts the engine wire shape, flattening per-category spans
// into per-tag spans. A span without confidence counts as fully confident.
func toJobResult(info clients.VideoTagInfo) *JobResult {
	res := &JobResult{
		Duration: info.VideoDuration,
		Tags:     info.VideoTags,
		Spans:    map[string][]TimeFrame{},
	}
	if res.Tags == nil {
		res.Tags = map[string][]string{}
	}
	cats := make([]string, 0, len(info.TagTimespans))
	for c := range info.TagTimespans {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		for tag, spans := range info.TagTimespans[c] {
			for _, s := range spans {
				conf := 1.0
				if s.TotalConfidence != nil {
					conf = *s.TotalConfidence
				}
				res.Spans[tag] = append(res.Spans[tag], TimeFrame{Start: s.Start, End: s.End, Confidence: conf})
			}
		}
	}
	return res
}

// FormatDuration renders d as "12.3s", "4m 5.0s" or "1h 2m 3.0s".
func FormatDuration(d time.Duration) string {
	secs := d.Seconds()
	switch {
	case secs < 60:
		return fmt.Sprintf("%.1fs", secs)
	case secs < 3600:
		m := int(secs) / 60
		return fmt.Sprintf("%dm %.1fs", m, secs-float64(m*60))
	default:
		h := int(secs) / 3600
		m := (int(secs) % 3600) / 60
		return fmt.Sprintf("%dh %dm %.1fs", h, m, secs-float64(h*3600+m*60))
	}
}
