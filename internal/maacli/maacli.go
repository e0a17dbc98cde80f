package maacli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"maabo/internal/utils"
)

// Layout locates the files maa-cli reads from its config directory.
type Layout struct {
	ConfigDir string
}

func (l Layout) TasksDir() string    { return filepath.Join(l.ConfigDir, "tasks") }
func (l Layout) ProfilesDir() string { return filepath.Join(l.ConfigDir, "profiles") }
func (l Layout) CLIConfigPath() string {
	return filepath.Join(l.ConfigDir, "cli.yaml")
}

func (l Layout) TaskPath(name string) string {
	return filepath.Join(l.TasksDir(), name+".yaml")
}

func (l Layout) ProfilePath(profile string) string {
	return filepath.Join(l.ProfilesDir(), profile+".yaml")
}

// Env returns the variables that point maa-cli at this layout.
func (l Layout) Env() []string {
	return []string{"MAA_CONFIG_DIR=" + l.ConfigDir}
}

func (l Layout) Ensure() error {
	for _, dir := range []string{l.ConfigDir, l.TasksDir(), l.ProfilesDir()} {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

type CoreComponents struct {
	Library  bool `json:"library" yaml:"library"`
	Resource bool `json:"resource" yaml:"resource"`
}

type CoreUpdate struct {
	Channel    string         `json:"channel,omitempty" yaml:"channel,omitempty"`
	TestTime   int            `json:"testTime,omitempty" yaml:"test_time,omitempty"`
	APIURL     string         `json:"apiUrl,omitempty" yaml:"api_url,omitempty"`
	Components CoreComponents `json:"components" yaml:"components"`
}

type CLIComponents struct {
	Binary bool `json:"binary" yaml:"binary"`
}

type CLIUpdate struct {
	Channel     string        `json:"channel,omitempty" yaml:"channel,omitempty"`
	APIURL      string        `json:"apiUrl,omitempty" yaml:"api_url,omitempty"`
	DownloadURL string        `json:"downloadUrl,omitempty" yaml:"download_url,omitempty"`
	Components  CLIComponents `json:"components" yaml:"components"`
}

type ResourceUpdate struct {
	AutoUpdate bool   `json:"autoUpdate" yaml:"auto_update"`
	Backend    string `json:"backend,omitempty" yaml:"backend,omitempty"`
}

// CLIConfig is maa-cli's own update/installation settings file.
type CLIConfig struct {
	Core     CoreUpdate     `json:"core" yaml:"core"`
	CLI      CLIUpdate      `json:"cli" yaml:"cli"`
	Resource ResourceUpdate `json:"resource" yaml:"resource"`
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Core: CoreUpdate{
			Channel:    "Stable",
			Components: CoreComponents{Library: true, Resource: true},
		},
		CLI: CLIUpdate{
			Channel: "Stable",
			// 二进制由 maabo 自己更新，不让 maa-cli 自更新
			Components: CLIComponents{Binary: false},
		},
		Resource: ResourceUpdate{AutoUpdate: true, Backend: "libgit2"},
	}
}

// LoadCLIConfig returns the defaults when the file does not exist yet.
func LoadCLIConfig(l Layout) (CLIConfig, error) {
	b, err := os.ReadFile(l.CLIConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCLIConfig(), nil
	}
	if err != nil {
		return CLIConfig{}, err
	}
	cfg := DefaultCLIConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return CLIConfig{}, fmt.Errorf("parse %s: %w", l.CLIConfigPath(), err)
	}
	return cfg, nil
}

func SaveCLIConfig(l Layout, cfg CLIConfig) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(l.CLIConfigPath(), b, 0o644)
}

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?)`)

// ParseVersion extracts the first semantic version in out, without the
// leading "v".
func ParseVersion(out string) (string, bool) {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Version runs "<bin> --version". A freshly written binary may still be
// reported busy by the kernel for a short moment, so that case is retried.
func Version(ctx context.Context, bin string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		var out bytes.Buffer
		cmd := exec.CommandContext(ctx, bin, "--version")
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		if err != nil {
			lastErr = err
			if strings.Contains(err.Error(), "text file busy") {
				continue
			}
			return "", fmt.Errorf("%s --version: %w", filepath.Base(bin), err)
		}
		v, ok := ParseVersion(out.String())
		if !ok {
			return "", fmt.Errorf("%s --version: no version in %q", filepath.Base(bin), strings.TrimSpace(out.String()))
		}
		return v, nil
	}
	return "", fmt.Errorf("%s --version: %w", filepath.Base(bin), lastErr)
}
