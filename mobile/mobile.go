// Package mobile provides gomobile-bindable functions for the drawd daemon.
// All complex data is returned as JSON strings since gomobile cannot export
// maps, slices, or structs with unexported fields.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BitOpenCode/MRKT/internal/config"
	"github.com/BitOpenCode/MRKT/internal/daemon"
	"github.com/BitOpenCode/MRKT/internal/lottery"

	// Required by gomobile bind at build time
	_ "golang.org/x/mobile/bind"
)

var (
	mu      sync.Mutex
	d       *daemon.Daemon
	version = "0.1.0"
)

// Start initialises and starts the drawd daemon.
// configYAML may be empty to use defaults. dataDir is the path to the app's
// private files directory (e.g. Context.getFilesDir() + "/drawd").
func Start(configYAML string, dataDir string) error {
	mu.Lock()
	defer mu.Unlock()

	if d != nil {
		return fmt.Errorf("already running")
	}

	cfg, err := config.LoadFromBytes([]byte(configYAML))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	// Phones rarely have inbound reachability; keep gossip opt-in.
	if configYAML == "" {
		cfg.Gossip.Enabled = false
	}

	nd, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := nd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	d = nd
	return nil
}

// Stop gracefully shuts down the daemon.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if d != nil {
		d.Stop()
		d = nil
	}
}

// IsRunning returns true if the daemon is currently running.
func IsRunning() bool {
	mu.Lock()
	defer mu.Unlock()
	return d != nil
}

// GetStatus returns full daemon status as a JSON string.
func GetStatus() string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return `{"running":false}`
	}

	status := map[string]interface{}{
		"running":   true,
		"node_id":   d.NodeID(),
		"uptime_ms": d.Uptime().Milliseconds(),
		"peers":     d.PeerCount(),
		"api_port":  d.APIPort(),
		"headers":   d.HeaderSyncStatus(),
		"wallet":    d.WalletStatus(),
		"anchor":    d.AnchorStatus(),
	}
	if stats, err := d.Lottery().Stats(); err == nil {
		status["lottery"] = stats
	}

	data, _ := json.Marshal(status)
	return string(data)
}

// GetCurrentDraw returns the latest draw as JSON, or {"error":"..."}.
func GetCurrentDraw() string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return errorJSON(fmt.Errorf("daemon not running"))
	}
	rec, err := d.Lottery().Current()
	if err != nil {
		return errorJSON(err)
	}
	data, _ := json.Marshal(rec)
	return string(data)
}

// VerifyDraw re-verifies a stored draw against the chain and returns the
// verification report as JSON.
func VerifyDraw(drawNumber int64) string {
	mu.Lock()
	defer mu.Unlock()

	if d == nil {
		return errorJSON(fmt.Errorf("daemon not running"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	rep, err := d.VerifyDraw(ctx, drawNumber)
	if err != nil {
		return errorJSON(err)
	}
	data, _ := json.Marshal(rep)
	return string(data)
}

// VerifyClaim checks a published draw offline. claimJSON carries seedHex,
// tickets, claimedWinner and optionally blockHashes. No daemon is needed.
func VerifyClaim(claimJSON string) string {
	var c lottery.Claim
	if err := json.Unmarshal([]byte(claimJSON), &c); err != nil {
		return errorJSON(fmt.Errorf("parse claim: %w", err))
	}
	rep := lottery.Verify(context.Background(), c, nil)
	data, _ := json.Marshal(rep)
	return string(data)
}

// GetAPIPort returns the port the HTTP API is listening on.
func GetAPIPort() int {
	mu.Lock()
	defer mu.Unlock()
	if d == nil {
		return 0
	}
	return d.APIPort()
}

// GetVersion returns the drawd version string.
func GetVersion() string {
	return version
}

func errorJSON(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
