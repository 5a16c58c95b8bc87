package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IntegrityReport is the outcome of CheckIntegrity.
type IntegrityReport struct {
	OK     bool
	Digest string
	Issues []string
}

type baseline struct {
	CheckedAt  time.Time `yaml:"checked_at"`
	ConfigHash string    `yaml:"config_hash"`
}

func IntegrityPath() string { return filepath.Join(Dir(), "integrity.yaml") }

func fileDigest(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckIntegrity compares the config file's digest with the last recorded
// baseline and checks live credentials. The new digest is always written back
// to baselinePath so the next session compares against this one.
func CheckIntegrity(cfg Config, configPath, baselinePath string, now time.Time) IntegrityReport {
	report := IntegrityReport{OK: true, Digest: fileDigest(configPath)}

	if data, err := os.ReadFile(baselinePath); err == nil {
		var prev baseline
		if yaml.Unmarshal(data, &prev) == nil && prev.ConfigHash != report.Digest {
			report.OK = false
			report.Issues = append(report.Issues, "Config file changed since last recorded run")
		}
	}

	if !cfg.DryRun {
		var missing []string
		if cfg.Creds.APIKey == "" {
			missing = append(missing, "api_key")
		}
		if cfg.Creds.APISecret == "" {
			missing = append(missing, "api_secret")
		}
		if cfg.Creds.AccessToken == "" {
			missing = append(missing, "access_token")
		}
		if len(missing) > 0 {
			report.OK = false
			report.Issues = append(report.Issues, "Missing live credential(s): "+strings.Join(missing, ", "))
		}
	}

	data, err := yaml.Marshal(baseline{CheckedAt: now.UTC(), ConfigHash: report.Digest})
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(baselinePath), 0o700); err == nil {
			err = os.WriteFile(baselinePath, data, 0o600)
		}
	}
	if err != nil {
		report.OK = false
		report.Issues = append(report.Issues, fmt.Sprintf("Failed to persist integrity baseline: %v", err))
	}
	return report
}
