package logger

import (
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/meridian-network/meridian/logger"
)

/*
New returns logger for test t on the level set by the MRD_TEST_LOG_LEVEL
environment variable (defaults to trace, ie everything is logged).
The output is written through t.Log so it is interleaved with other
output of the test and only shown for failed tests (unless -v flag is used).
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, levelFromEnv())
}

// NewLvl returns logger for test t on given level.
func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	cfg := defaultLogCfg()
	cfg.Level = level.String()
	l, err := newLogger(t, cfg)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return l
}

// NOP returns a logger which discards everything logged into it.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt32)}))
}

/*
LoggerBuilder returns a builder usable as a logger factory in configurations,
the loggers built log through t.Log. When the builder is called with nil
configuration test defaults are used.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(cfg *logger.LogConfiguration) (*slog.Logger, error) {
		if cfg == nil {
			cfg = defaultLogCfg()
		}
		return newLogger(t, cfg)
	}
}

func newLogger(t testing.TB, cfg *logger.LogConfiguration) (*slog.Logger, error) {
	h, err := cfg.Handler(&testWriter{t: t})
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

func defaultLogCfg() *logger.LogConfiguration {
	return &logger.LogConfiguration{
		Level:           levelFromEnv().String(),
		Format:          "console",
		TimeFormat:      "15:04:05.0000",
		PeerIDFormat:    "short",
		ShowGoroutineID: true,
	}
}

func levelFromEnv() slog.Level {
	lvl := os.Getenv("MRD_TEST_LOG_LEVEL")
	if lvl == "" {
		return logger.LevelTrace
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		return logger.LevelTrace
	}
	return level
}

type testWriter struct {
	t testing.TB
}

func (tw *testWriter) Write(p []byte) (n int, err error) {
	// logging to a test which has already finished panics, libp2p
	// background goroutines may still log during shutdown
	defer func() {
		if e := recover(); e != nil {
			n, err = len(p), nil
		}
	}()
	tw.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
