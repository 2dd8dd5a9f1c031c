// Package clientutil builds the managedprocess.EnvFunc consumed by every
// ManagedProcess spawn, composing provisr's internal/env.Env (immutable
// base-snapshot + global-overlay + ${VAR} expansion merge) with dotEnv file
// loading and the per-spec identity variables spec.md §4.3 requires
// (TSPM_PROCESS_NAME/TSPM_INSTANCE_ID). procspec.Spec.InstanceEnv already
// covers the simple host-env + spec.Env overlay case; clientutil layers the
// richer env.Env merge (global overrides shared across every process, plus
// ${VAR} expansion and dotEnv) on top of it for the supervisor-wide
// EnvFunc/LogFunc wiring point, named for the role client-side config
// loading plays in assembling these globals before any process spawns.
package clientutil

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tspmhq/tspm/internal/env"
	"github.com/tspmhq/tspm/internal/procspec"
)

// LoadDotEnv parses a simple KEY=VALUE dotenv file (one assignment per
// line, '#' starts a comment, blank lines ignored). Leading and trailing
// single or double quote characters are stripped from each value; escape
// sequences and multiline values are not supported.
func LoadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("clientutil: open dotenv %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		val = strings.Trim(val, `"'`)
		if key != "" {
			out[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("clientutil: scan dotenv %s: %w", path, err)
	}
	return out, nil
}

// EnvMerger builds per-spawn environments: env.Env supplies the host
// snapshot plus any globals set via WithGlobal, dotEnv files are loaded and
// cached per path, and spec.Env/identity variables are applied last so they
// always win.
type EnvMerger struct {
	base        *env.Env
	dotEnvCache map[string]map[string]string
}

// NewEnvMerger constructs an EnvMerger with an empty global overlay.
func NewEnvMerger() *EnvMerger {
	return &EnvMerger{base: env.New(), dotEnvCache: make(map[string]map[string]string)}
}

// WithGlobal sets a variable visible to every spawned instance regardless
// of spec, such as an operator-configured PATH addition.
func (m *EnvMerger) WithGlobal(key, value string) *EnvMerger {
	m.base = m.base.WithSet(key, value)
	return m
}

// EnvFunc returns a managedprocess.EnvFunc bound to m. The signature
// matches managedprocess.EnvFunc structurally so it can be passed directly
// wherever that type is expected, without importing managedprocess here
// (which would create an import cycle: managedprocess is the consumer).
func (m *EnvMerger) EnvFunc() func(spec *procspec.Spec, instanceID int) []string {
	return func(spec *procspec.Spec, instanceID int) []string {
		perProc := make([]string, 0, len(spec.Env)+2)

		if spec.DotEnv != "" {
			vars, ok := m.dotEnvCache[spec.DotEnv]
			if !ok {
				loaded, err := LoadDotEnv(spec.DotEnv)
				if err != nil {
					loaded = nil
				}
				vars = loaded
				m.dotEnvCache[spec.DotEnv] = vars
			}
			for k, v := range vars {
				perProc = append(perProc, k+"="+v)
			}
		}
		for k, v := range spec.Env {
			perProc = append(perProc, k+"="+v)
		}
		perProc = append(perProc,
			"TSPM_PROCESS_NAME="+spec.Name,
			"TSPM_INSTANCE_ID="+strconv.Itoa(instanceID),
		)
		return m.base.Merge(perProc)
	}
}
