package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	// LevelTrace is for firehose style message dumps which are too noisy
	// even for debug runs.
	LevelTrace slog.Level = slog.LevelDebug - 4

	levelNone slog.Level = math.MaxInt32
)

type LogConfiguration struct {
	Level           string `yaml:"defaultLevel"`
	Format          string `yaml:"format"`
	OutputPath      string `yaml:"outputPath"`
	TimeFormat      string `yaml:"timeFormat"`
	PeerIDFormat    string `yaml:"peerIdFormat"`
	ShowGoroutineID bool   `yaml:"showGoroutineID"`
}

// New returns logger created based on the configuration.
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	out, err := cfg.output()
	if err != nil {
		return nil, fmt.Errorf("creating writer for log output: %w", err)
	}
	h, err := cfg.Handler(out)
	if err != nil {
		return nil, fmt.Errorf("creating logger handler: %w", err)
	}
	return slog.New(h), nil
}

/*
Handler returns the log handler described by the configuration, writing to
"out". Exported so that test helpers can direct the output into the test
log instead of the configured destination.
*/
func (cfg *LogConfiguration) Handler(out io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		AddSource: cfg.Format == "ecs",
		Level:     cfg.logLevel(),
	}

	var h slog.Handler
	switch cfg.Format {
	case "text":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat), formatDataAttrAsJSON)
		h = slog.NewTextHandler(out, opts)
	case "console":
		// like "text" but with human friendly defaults
		timeFormat, peerIDFormat := cfg.TimeFormat, cfg.PeerIDFormat
		if timeFormat == "" {
			timeFormat = "15:04:05.0000"
		}
		if peerIDFormat == "" {
			peerIDFormat = "short"
		}
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(timeFormat), formatPeerIDAttr(peerIDFormat), formatDataAttrAsJSON)
		h = slog.NewTextHandler(out, opts)
	case "", "json":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat))
		h = slog.NewJSONHandler(out, opts)
	case "ecs":
		opts.ReplaceAttr = composeAttrFmt(formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat), formatAttrECS)
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.ShowGoroutineID {
		h = goroutineIDHandler{h}
	}
	return h, nil
}

func (cfg *LogConfiguration) output() (io.Writer, error) {
	switch cfg.OutputPath {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard", os.DevNull:
		return io.Discard, nil
	}
	file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", cfg.OutputPath, err)
	}
	return file, nil
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	if cfg.OutputPath == "discard" || cfg.OutputPath == os.DevNull {
		return levelNone
	}

	switch strings.ToUpper(strings.TrimSpace(cfg.Level)) {
	case "":
		return slog.LevelInfo
	case "NONE":
		return levelNone
	case "TRACE":
		return LevelTrace
	case "WARNING":
		return slog.LevelWarn
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

/*
NewRoundHandler returns a handler which tags every record with the current
consensus round, read through curRound at log time. Meant for node level
loggers so individual logging calls do not need to carry the round attribute.
*/
func NewRoundHandler(h slog.Handler, curRound func() uint64) slog.Handler {
	return roundHandler{handler: h, curRound: curRound}
}

type roundHandler struct {
	handler  slog.Handler
	curRound func() uint64
}

func (h roundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h roundHandler) Handle(ctx context.Context, rec slog.Record) error {
	rec.AddAttrs(Round(h.curRound()))
	return h.handler.Handle(ctx, rec)
}

func (h roundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return roundHandler{handler: h.handler.WithAttrs(attrs), curRound: h.curRound}
}

func (h roundHandler) WithGroup(name string) slog.Handler {
	return roundHandler{handler: h.handler.WithGroup(name), curRound: h.curRound}
}

// goroutineIDHandler tags every record with the ID of the goroutine which
// logged it.
type goroutineIDHandler struct {
	handler slog.Handler
}

func (h goroutineIDHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h goroutineIDHandler) Handle(ctx context.Context, rec slog.Record) error {
	rec.AddAttrs(slog.Uint64(GoIDKey, goroutineID()))
	return h.handler.Handle(ctx, rec)
}

func (h goroutineIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return goroutineIDHandler{h.handler.WithAttrs(attrs)}
}

func (h goroutineIDHandler) WithGroup(name string) slog.Handler {
	return goroutineIDHandler{h.handler.WithGroup(name)}
}

/*
goroutineID returns the ID of the calling goroutine. The runtime exposes the
ID only in stack dumps so this is strictly a debugging aid for correlating
log lines, never something to build logic on.
*/
func goroutineID() uint64 {
	var buf [64]byte
	s := buf[:runtime.Stack(buf[:], false)]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(s[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
