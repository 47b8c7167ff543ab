package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each config section.
var knownKeys = map[string][]string{
	"store":   {"path"},
	"cache":   {"ttl", "sweep_interval", "snapshot_path", "namespace"},
	"breaker": {"failure_threshold", "success_threshold", "timeout"},
	"remote":  {"base_url", "api_token", "requests_per_second", "collections"},
	"subscription": {
		"duplicate_window", "batch_window", "batch_delay", "batch_min_delta",
		"order_by", "limit",
	},
	"connection": {
		"probe_address", "probe_interval", "debounce", "settle_delay",
		"transport", "cellular_generation",
	},
	"sync":    {"conflict_strategy", "replay_workers", "interval"},
	"logging": {"log_level", "log_file", "log_format", "log_retention_days"},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
}

// knownSectionsList is the sorted list of section names for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownSectionsList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. An
// unknown section is reported once rather than once per key inside it.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reportedSections := make(map[string]bool)

	for _, key := range undecoded {
		section := key[0]

		if _, ok := knownKeys[section]; !ok {
			if reportedSections[section] {
				continue
			}

			reportedSections[section] = true
			errs = append(errs, buildSectionError(section))

			continue
		}

		if len(key) > 1 {
			errs = append(errs, buildKeyError(section, key[1]))
		}
	}

	return errors.Join(errs...)
}

// buildSectionError describes an unknown top-level key or section,
// suggesting the closest known section.
func buildSectionError(section string) error {
	if suggestion := closestMatch(section, knownSectionsList); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean [%s]?", section, suggestion)
	}

	return fmt.Errorf("unknown config key %q", section)
}

// buildKeyError describes an unknown key inside a known section,
// suggesting the closest key of that section.
func buildKeyError(section, field string) error {
	name := section + "." + field

	if suggestion := closestMatch(field, knownKeys[section]); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", name, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
