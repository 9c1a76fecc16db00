package runner

import (
	"os"
	"sort"
	"strings"
)

// BuildEnv constructs the environment variable slice for one invocation.
// It starts with the current process environment and overlays extra.
// The result is sorted so invocations are reproducible.
func BuildEnv(extra map[string]string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range extra {
		envMap[k] = v
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
