package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClientID returns base suffixed with a per-installation identifier
// persisted in dataDir. Brokers disconnect the older of two sessions
// sharing a client ID, so two mailroom processes pointed at the same
// broker must not both use the bare base.
func ClientID(base, dataDir string) (string, error) {
	path := filepath.Join(dataDir, "mqtt_instance_id")

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return base + "-" + id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate mqtt instance id: %w", err)
	}
	// The random tail of a v7 UUID; the leading bits are a timestamp.
	id := strings.ReplaceAll(u.String(), "-", "")[20:]

	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist mqtt instance id to %s: %w", path, err)
	}
	return base + "-" + id, nil
}
