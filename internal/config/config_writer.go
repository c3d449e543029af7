package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigExists is returned by WriteConfig when it would overwrite a file.
var ErrConfigExists = errors.New("config file already exists")

const sampleConfig = `# chibichonk configuration
discord:
  webhook_url: YOUR_DISCORD_WEBHOOK_URL_HERE
  username: Chibichonk
  # Seconds between progress updates while printing (0 disables).
  update_time_interval: 3600
  # Progress step in percent that triggers an update (0 disables).
  update_percent_interval: 25

delivery:
  outbox_capacity: 100
  max_attempts: 5
  rate_per_second: 1
  burst: 5

metrics:
  listen: 127.0.0.1:9310

printers:
  - name: X1 Carbon
    host: 192.168.1.50
    serial: "01S00A000000000"
    access_code: "12345678"
    # ping_user_id: "123456789012345678"
    # update_percent_interval: 10
`

// SampleConfig returns a commented starter configuration.
func SampleConfig() []byte {
	return []byte(sampleConfig)
}

// WriteConfig atomically writes data to path. Existing files are only
// replaced when force is set.
func WriteConfig(path string, data []byte, force bool) error {
	if len(data) == 0 {
		return nil
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure config dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit config %q: %w", path, err)
	}

	return nil
}
