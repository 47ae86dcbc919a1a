// Package agentconfig loads and bootstraps the agent's on-disk configuration:
// sync_agent_configs/env.json, sync_agent_configs/sync_agent.json, and
// versioning/version.txt.
package agentconfig

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/resplendentdata/syncagent/internal/logging"
)

const (
	configDir  = "sync_agent_configs"
	envFile    = "env.json"
	agentFile  = "sync_agent.json"
	versionDir = "versioning"
	versionTxt = "version.txt"

	prodControlURL = "wss://api.resplendentdata.com/slave-driver/websocket/"
	devControlURL  = "wss://dev.resplendentdata.com:8001/slave-driver/websocket/"

	prodIngestURL = "https://api.resplendentdata.com/slave-driver/data-ingest/"
	devIngestURL  = "http://slave-driver:8001/slave-driver/data-ingest/"
)

// Env mirrors sync_agent_configs/env.json.
type Env struct {
	Debug bool   `json:"debug"`
	URL   string `json:"url,omitempty"`
}

// Agent mirrors sync_agent_configs/sync_agent.json: the agent's identity.
// DBKey is the process-local master key used by the credential vault.
type Agent struct {
	DBKey string `json:"dbkey"`
	UUID  string `json:"uuid"`
	Key   string `json:"key"`
}

// Config is the fully resolved, loaded configuration for one agent process.
type Config struct {
	Env         Env
	Agent       Agent
	Dir         string
	ControlURL  string
	IngestURL   string
	Version     string
}

// Load reads env.json and sync_agent.json under baseDir/sync_agent_configs.
// sync_agent.json must already exist — credentials are entered once through
// the operator dashboard; Load never creates it. It also returns the resolved control-channel and ingest URLs.
func Load(baseDir string) (*Config, error) {
	dir := filepath.Join(baseDir, configDir)

	var env Env
	envData, err := os.ReadFile(filepath.Join(dir, envFile))
	if err != nil {
		return nil, fmt.Errorf("agentconfig: read env.json: %w", err)
	}
	if err := json.Unmarshal(envData, &env); err != nil {
		return nil, fmt.Errorf("agentconfig: parse env.json: %w", err)
	}

	agentData, err := os.ReadFile(filepath.Join(dir, agentFile))
	if err != nil {
		return nil, fmt.Errorf("agentconfig: read sync_agent.json: %w", err)
	}
	var agent Agent
	if err := json.Unmarshal(agentData, &agent); err != nil {
		return nil, fmt.Errorf("agentconfig: parse sync_agent.json: %w", err)
	}

	controlURL := prodControlURL
	ingestURL := prodIngestURL
	if env.Debug {
		ingestURL = devIngestURL
		if env.URL != "" {
			controlURL = env.URL
		} else {
			controlURL = devControlURL
		}
	}

	version, err := ReadVersion(baseDir)
	if err != nil {
		version = ""
	}

	return &Config{
		Env:        env,
		Agent:      agent,
		Dir:        baseDir,
		ControlURL: controlURL,
		IngestURL:  ingestURL,
		Version:    version,
	}, nil
}

// Bootstrap ensures sync_agent_configs/env.json and sync_agent.json exist,
// creating a fresh agent identity on first run (a new agent_uuid, an empty
// key pending the operator's dashboard approval, and a freshly generated
// dbkey) before delegating to Load: the agent picks its own identity
// the first time it runs rather than waiting to be handed one.
func Bootstrap(baseDir string) (*Config, error) {
	dir := filepath.Join(baseDir, configDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("agentconfig: create config dir: %w", err)
	}

	agentPath := filepath.Join(dir, agentFile)
	if _, err := os.Stat(agentPath); os.IsNotExist(err) {
		logging.Log("agentconfig: no sync_agent.json found, bootstrapping a new agent identity")
		if _, err := SetAgentCreds(baseDir, uuid.New().String(), ""); err != nil {
			return nil, err
		}
	}

	envPath := filepath.Join(dir, envFile)
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		if err := os.WriteFile(envPath, []byte(`{"debug":false}`), 0o644); err != nil {
			return nil, fmt.Errorf("agentconfig: write default env.json: %w", err)
		}
	}

	return Load(baseDir)
}

// Watch starts watching env.json and sync_agent.json for writes made by
// the operator dashboard (an external collaborator updating engine
// credentials or the debug/URL override) and calls onChange with the
// freshly reloaded Config after each one, until ctx is canceled.
func Watch(ctx context.Context, baseDir string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("agentconfig: create file watcher: %w", err)
	}

	dir := filepath.Join(baseDir, configDir)
	if err := watcher.Add(filepath.Join(dir, envFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("agentconfig: watch env.json: %w", err)
	}
	if err := watcher.Add(filepath.Join(dir, agentFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("agentconfig: watch sync_agent.json: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != fsnotify.Write {
					continue
				}
				cfg, err := Load(baseDir)
				if err != nil {
					logging.Error("agentconfig: reload after file change", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Error("agentconfig: file watcher", err)
			}
		}
	}()
	return nil
}

// SetAgentCreds writes sync_agent.json, generating dbkey only when no
// readable existing file carries a non-empty one — rotating dbkey on an existing config would
// invalidate every secret already encrypted against it.
func SetAgentCreds(baseDir, uuid, key string) (Agent, error) {
	dir := filepath.Join(baseDir, configDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Agent{}, fmt.Errorf("agentconfig: create config dir: %w", err)
	}

	path := filepath.Join(dir, agentFile)
	if existing, err := os.ReadFile(path); err == nil {
		var agent Agent
		if jsonErr := json.Unmarshal(existing, &agent); jsonErr == nil && agent.DBKey != "" {
			agent.UUID = uuid
			agent.Key = key
			if err := writeAgentFile(path, agent); err != nil {
				return Agent{}, err
			}
			return agent, nil
		}
	}

	dbkey, err := generateDBKey()
	if err != nil {
		return Agent{}, fmt.Errorf("agentconfig: generate dbkey: %w", err)
	}

	agent := Agent{DBKey: dbkey, UUID: uuid, Key: key}
	if err := writeAgentFile(path, agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

func writeAgentFile(path string, agent Agent) error {
	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return fmt.Errorf("agentconfig: marshal sync_agent.json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("agentconfig: write sync_agent.json: %w", err)
	}
	return nil
}

// generateDBKey produces dbkey as two concatenated 32-hex-character random
// tokens (64 hex characters total).
func generateDBKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ReadVersion reads versioning/version.txt (YYYY.MM.DD.N).
func ReadVersion(baseDir string) (string, error) {
	path := filepath.Join(baseDir, versionDir, versionTxt)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("agentconfig: read version.txt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BumpVersion increments the per-day counter N in YYYY.MM.DD.N, resetting
// it to 1 when the date has changed since the last write.
func BumpVersion(baseDir string, now time.Time) (string, error) {
	dir := filepath.Join(baseDir, versionDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("agentconfig: create versioning dir: %w", err)
	}
	path := filepath.Join(dir, versionTxt)

	today := now.Format("2006.01.02")
	n := 1

	if existing, err := os.ReadFile(path); err == nil {
		parts := strings.Split(strings.TrimSpace(string(existing)), ".")
		if len(parts) == 4 {
			prevDate := strings.Join(parts[:3], ".")
			if prevDate == today {
				if prevN, err := strconv.Atoi(parts[3]); err == nil {
					n = prevN + 1
				}
			}
		}
	}

	version := fmt.Sprintf("%s.%d", today, n)
	if err := os.WriteFile(path, []byte(version), 0o644); err != nil {
		return "", fmt.Errorf("agentconfig: write version.txt: %w", err)
	}
	return version, nil
}
