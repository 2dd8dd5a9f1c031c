// Package logmanager provides rotating stdout/stderr writers for spawned
// instances, per spec.md §3's stdout/stderr/combineLogs ProcessSpec fields.
// Grounded verbatim on provisr's (now-adapted) internal/logger/logger.go:
// gopkg.in/natefinch/lumberjack.v2-backed Config{Dir, MaxSizeMB,
// MaxBackups, MaxAgeDays, Compress} and a Writers(spec, instanceID) method
// (per-file paths come from the ProcessSpec), generalized to also satisfy combineLogs (stdout and
// stderr share one lumberjack.Logger) and wired directly as a
// managedprocess.LogFunc via Open.
package logmanager

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/tspmhq/tspm/internal/procspec"
)

// Default rotation parameters, identical to provisr's internal/logger.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes logging destinations shared across every ManagedProcess
// whose ProcessSpec does not override stdout/stderr explicitly.
type Config struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c Config) logger(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// sharedCloser lets both the stdout and stderr handles returned for a
// combined-log instance satisfy io.WriteCloser independently, while the
// underlying lumberjack.Logger is closed only once.
type sharedCloser struct {
	*lj.Logger
	closed *bool
}

func (s sharedCloser) Close() error {
	if *s.closed {
		return nil
	}
	*s.closed = true
	return s.Logger.Close()
}

// Writers returns stdout/stderr writers for one instance, named
// "<spec.Name>-<instanceID>". Explicit spec.Stdout/spec.Stderr paths
// override c.Dir-derived defaults; spec.CombineLogs routes both streams to
// the single stdout file.
func (c Config) Writers(spec *procspec.Spec, instanceID int) (stdout, stderr io.WriteCloser, err error) {
	name := fmt.Sprintf("%s-%d", spec.Name, instanceID)

	stdoutPath := spec.Stdout
	if stdoutPath == "" && c.Dir != "" {
		stdoutPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	stderrPath := spec.Stderr
	if stderrPath == "" && c.Dir != "" {
		stderrPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}

	if stdoutPath == "" && stderrPath == "" {
		return nil, nil, nil
	}

	if spec.CombineLogs {
		path := stdoutPath
		if path == "" {
			path = stderrPath
		}
		shared := c.logger(path)
		closed := new(bool)
		return sharedCloser{shared, closed}, sharedCloser{shared, closed}, nil
	}

	var outW, errW io.WriteCloser
	if stdoutPath != "" {
		outW = c.logger(stdoutPath)
	}
	if stderrPath != "" {
		errW = c.logger(stderrPath)
	}
	return outW, errW, nil
}

// Open adapts Config.Writers to the managedprocess.LogFunc signature, so a
// Config value can be passed directly to managedprocess.New/supervisor.New.
func (c Config) Open(spec *procspec.Spec, instanceID int) (stdout, stderr io.WriteCloser, err error) {
	return c.Writers(spec, instanceID)
}
