// Package logging builds the slog backend shared by every wallet
// subsystem.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags.
const (
	SubsysWallet = "WLLT"
	SubsysMint   = "MINT"
	SubsysLedger = "LDGR"
	SubsysStore  = "STOR"
	SubsysEscrow = "ESCR"
)

const rotateThresholdKB = 10 * 1024

type LogConfig struct {
	// LogFile is the rotating log file. Empty disables file output.
	LogFile string
	// DebugLevel is a level name, optionally followed by per subsystem
	// overrides: "info,MINT=debug,STOR=trace".
	DebugLevel  string
	MaxLogFiles int
	// Stdout copies every line to standard output.
	Stdout bool
}

type LogBackend struct {
	backend *slog.Backend
	rotator *rotator.Rotator

	level  slog.Level
	levels map[string]slog.Level

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// ParseLevel maps trace, debug, info, warn, error, critical or off to a
// slog level.
func ParseLevel(s string) (slog.Level, error) {
	lvl, ok := slog.LevelFromString(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return 0, fmt.Errorf("unknown debug level %q", s)
	}
	return lvl, nil
}

// ParseDebugLevel splits a debuglevel setting into the default level and
// the per subsystem overrides.
func ParseDebugLevel(s string) (slog.Level, map[string]slog.Level, error) {
	level := slog.LevelInfo
	levels := make(map[string]slog.Level)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subsys, name, found := strings.Cut(part, "=")
		if !found {
			lvl, err := ParseLevel(part)
			if err != nil {
				return 0, nil, err
			}
			level = lvl
			continue
		}
		subsys = strings.ToUpper(strings.TrimSpace(subsys))
		if subsys == "" {
			return 0, nil, fmt.Errorf("empty subsystem in debug level %q", part)
		}
		lvl, err := ParseLevel(name)
		if err != nil {
			return 0, nil, err
		}
		levels[subsys] = lvl
	}
	return level, levels, nil
}

func NewLogBackend(cfg LogConfig) (*LogBackend, error) {
	level, levels, err := ParseDebugLevel(cfg.DebugLevel)
	if err != nil {
		return nil, err
	}

	lb := &LogBackend{
		level:   level,
		levels:  levels,
		loggers: make(map[string]slog.Logger),
	}

	var writers []io.Writer
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		maxRolls := cfg.MaxLogFiles
		if maxRolls <= 0 {
			maxRolls = 3
		}
		r, err := rotator.New(cfg.LogFile, rotateThresholdKB, false, maxRolls)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}
		lb.rotator = r
		writers = append(writers, r)
	}
	lb.backend = slog.NewBackend(logWriter(writers))
	return lb, nil
}

// logWriter fans out to every configured sink. A failing sink never fails
// the log call.
type logWriter []io.Writer

func (w logWriter) Write(p []byte) (int, error) {
	for _, sink := range w {
		sink.Write(p)
	}
	return len(p), nil
}

// Logger returns the logger for subsystem, creating it on first use.
func (lb *LogBackend) Logger(subsystem string) slog.Logger {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if l, ok := lb.loggers[subsystem]; ok {
		return l
	}
	l := lb.backend.Logger(subsystem)
	if lvl, ok := lb.levels[subsystem]; ok {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(lb.level)
	}
	lb.loggers[subsystem] = l
	return l
}

// SetLevel changes the level of every logger created so far and of those
// created later.
func (lb *LogBackend) SetLevel(level slog.Level) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.level = level
	clear(lb.levels)
	for _, l := range lb.loggers {
		l.SetLevel(level)
	}
}

// Close flushes and closes the log file.
func (lb *LogBackend) Close() error {
	if lb.rotator == nil {
		return nil
	}
	return lb.rotator.Close()
}
