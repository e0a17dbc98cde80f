package model

import (
	"slices"
	"time"
)

type UpdateState struct {
	Installed string    `json:"installed"`
	Latest    string    `json:"latest"`
	Ignored   []string  `json:"ignored"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
	AppliedAt time.Time `json:"appliedAt,omitempty"`
}

func (s UpdateState) IsIgnored(version string) bool {
	return slices.Contains(s.Ignored, version)
}

func (s *UpdateState) Ignore(version string) {
	if version == "" || s.IsIgnored(version) {
		return
	}
	s.Ignored = append(s.Ignored, version)
}

type CheckStatus string

const (
	CheckUpdateAvailable CheckStatus = "update_available"
	CheckUpToDate        CheckStatus = "up_to_date"
	CheckFailed          CheckStatus = "check_failed"
)

type CheckResult struct {
	Status    CheckStatus `json:"status"`
	Installed string      `json:"installed"`
	Latest    string      `json:"latest,omitempty"`
	Ignored   bool        `json:"ignored,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type ReleaseAsset struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256sum"`
	URL    string `json:"url,omitempty"`
}

type ManifestDetails struct {
	Tag    string                  `json:"tag"`
	Assets map[string]ReleaseAsset `json:"assets"`
}

// Manifest mirrors the engine's published version file.
type Manifest struct {
	Version string          `json:"version"`
	Details ManifestDetails `json:"details"`
}
