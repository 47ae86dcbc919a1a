package bigtable

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/resplendentdata/syncagent/internal/adapter"
)

// JobConfig is everything a re-exec'd large-table worker process needs,
// since it starts with none of the parent's in-memory state: the source's
// already-decrypted connection info (re-used rather than re-decrypted,
// since the vault's master key never leaves the parent process), the
// table being exported, where to upload, and the state-store path for
// heartbeats and the deleted-rows-check cadence.
type JobConfig struct {
	Config
	Source         adapter.Source
	Table          adapter.Table
	StateStorePath string
}

// WriteJobConfig serializes cfg to a new temp file under dir and returns
// its path, for the parent to hand to the child via a --config flag.
func WriteJobConfig(dir string, cfg JobConfig) (string, error) {
	f, err := os.CreateTemp(dir, "bigtable-job-*.json")
	if err != nil {
		return "", fmt.Errorf("bigtable: create job config file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(cfg); err != nil {
		return "", fmt.Errorf("bigtable: write job config: %w", err)
	}
	return f.Name(), nil
}

// ReadJobConfig deserializes a JobConfig written by WriteJobConfig.
func ReadJobConfig(path string) (JobConfig, error) {
	var cfg JobConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("bigtable: read job config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("bigtable: parse job config: %w", err)
	}
	return cfg, nil
}
