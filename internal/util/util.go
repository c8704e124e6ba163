package util

import (
	"os"
	"sort"
	"strings"
)

func AsInt32(i int) int32 {
	if i > 2147483647 {
		return 2147483647
	}
	if i < -2147483648 {
		return -2147483648
	}
	// #nosec G115 - bounded by explicit check
	return int32(i)
}

// AsInt32FromInt64 converts int64 to int32 with bounds checking
// Used for timestamp deltas which should typically be small (milliseconds)
func AsInt32FromInt64(i int64) int32 {
	const maxInt32 = int64(2147483647)
	const minInt32 = int64(-2147483648)
	if i > maxInt32 {
		return int32(maxInt32)
	}
	if i < minInt32 {
		return int32(minInt32)
	}
	// #nosec G115 - bounded by explicit check
	return int32(i)
}

// EnvironMap returns the current process environment as a map.
func EnvironMap() map[string]string {
	return EnvListToMap(os.Environ())
}

// EnvListToMap converts KEY=VALUE pairs into a map. Later entries win.
func EnvListToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeEnv layers each map over the previous ones and returns a new map.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// SortedKeys returns the keys of an env map in lexical order.
func SortedKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ShellQuote single-quotes s for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
