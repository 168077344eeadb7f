package fetcher

import (
	"fmt"
	"strings"
)

// Mode selects where item payloads come from. It is chosen once per query
// and applied to every item resolved from it.
type Mode string

const (
	// ModeLocalDownload serves from the cache and downloads, then caches,
	// on a miss. A given identifier hits the network at most once over the
	// lifetime of the cache.
	ModeLocalDownload Mode = "local_download"
	// ModeCache serves only from the cache and never touches the network.
	ModeCache Mode = "cache"
	// ModeOnlineStream always downloads and never reads or writes the cache.
	ModeOnlineStream Mode = "online_stream"
)

// DefaultMode is used when no mode is configured.
const DefaultMode = ModeLocalDownload

// ParseMode parses a mode name. The empty string selects DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeLocalDownload:
		return ModeLocalDownload, nil
	case ModeCache:
		return ModeCache, nil
	case ModeOnlineStream:
		return ModeOnlineStream, nil
	default:
		return "", fmt.Errorf("unknown fetch mode %q", s)
	}
}

// UsesCache reports whether the mode reads the cache store.
func (m Mode) UsesCache() bool {
	return m == ModeLocalDownload || m == ModeCache
}

func (m Mode) String() string { return string(m) }
