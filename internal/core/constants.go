// Package core provides shared constants and helpers for attendsync.
package core

import (
	"os"
	"path/filepath"
	"time"
)

// Origin configuration
const (
	DefaultOrigin   = "http://127.0.0.1:8080"
	DefaultListen   = "127.0.0.1:8686"
	DefaultAPIPath  = "/api/"
	OriginEnvVar    = "ATTENDSYNC_ORIGIN"
	ConfigEnvVar    = "ATTENDSYNC_CONFIG"
	ControlPrefix   = "/__sync"
	DefaultProbe    = "/api/health"
	IdempotencyHdr  = "Idempotency-Key"
	DefaultOpenPage = "/"
)

// Cache generations. Bumping either name on redeploy invalidates the old
// generation at the next activation.
const (
	StaticGeneration  = "v1-static"
	DynamicGeneration = "v1-dynamic"
)

// SyncTag is the only background sync tag the coordinator recognises.
const SyncTag = "sync-pending-attendance"

// Timeouts and limits
const (
	FetchTimeout        = 10 * time.Second
	ReplayTimeout       = 15 * time.Second
	ProbeInterval       = 10 * time.Second
	MaxDynamicEntries   = 200
	WarmConcurrency     = 4
	ShutdownGracePeriod = 5 * time.Second
)

// Timestamp format used on the wire for enqueuedAt and friends (ISO-8601).
const TimestampFmt = time.RFC3339Nano

// DefaultStaticAssets is the manifest warmed into the STATIC generation when
// the configuration does not list one.
var DefaultStaticAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/offline.html",
}

// DataRoot returns the default data directory path.
func DataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".attendsync")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DataRoot(), "config.yaml")
}

// Version is the current attendsync version.
const Version = "0.3.0"
