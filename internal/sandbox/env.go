package sandbox

import (
	"os"
	"sort"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// BuildEnv projects the environment onto the policy's allow-listed keys.
// Absent keys are omitted. A nil lookup reads the process environment.
func BuildEnv(policy SecurityPolicy, lookup LookupFunc) map[string]string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := make(map[string]string)
	for _, key := range policy.envKeys {
		if v, ok := lookup(key); ok {
			env[key] = v
		}
	}
	return env
}

// EnvList renders env as sorted KEY=VALUE pairs. The result is never nil, so
// an empty map yields an empty (not inherited) process environment.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
