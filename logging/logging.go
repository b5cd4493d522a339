// Package logging configures logrus for the two ways the connector runs:
// as a Stash plugin, where stderr carries the plugin log protocol, and as a
// plain CLI with text output.
package logging

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	soh = "\x01"
	stx = "\x02"
)

// PluginFormatter renders entries in the Stash plugin log protocol:
// SOH, one level character, STX, then the message.
type PluginFormatter struct{}

func (PluginFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString(soh)
	b.WriteString(levelChar(e.Level))
	b.WriteString(stx)
	b.WriteString(e.Message)
	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func levelChar(l logrus.Level) string {
	switch l {
	case logrus.TraceLevel:
		return "t"
	case logrus.DebugLevel:
		return "d"
	case logrus.InfoLevel:
		return "i"
	case logrus.WarnLevel:
		return "w"
	default:
		return "e"
	}
}

// New builds a logger writing to w. An unknown level is an error.
func New(level string, w io.Writer, plugin bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl)
	if plugin {
		l.SetFormatter(PluginFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	return l, nil
}

// Progress publishes batch completion ratios. In plugin mode they are
// protocol progress lines; otherwise they are logged at info level.
type Progress struct {
	mu     sync.Mutex
	w      io.Writer
	log    logrus.FieldLogger
	plugin bool
}

func NewProgress(w io.Writer, log logrus.FieldLogger, plugin bool) *Progress {
	return &Progress{w: w, log: log, plugin: plugin}
}

// Report publishes one ratio in [0,1].
func (p *Progress) Report(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.plugin {
		_, _ = io.WriteString(p.w, soh+"p"+stx+strconv.FormatFloat(ratio, 'f', 4, 64)+"\n")
		return
	}
	p.log.Infof("Progress: %.2f%%", ratio*100)
}
