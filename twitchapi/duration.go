package twitchapi

import "time"

// ParseDuration parses the Helix video duration format like "3h15m42s". Malformed or
// negative values yield 0.
func ParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
