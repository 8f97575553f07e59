// Package ffmpeg provides FFmpeg binary detection, command building and
// process control for the transcoding subprocesses.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// EnvBinary overrides ffmpeg discovery when binary_path is not configured.
const EnvBinary = "CAMRELAY_FFMPEG"

// ErrBinaryNotFound is returned when no usable ffmpeg executable exists.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// VersionInfo holds parsed `ffmpeg -version` output.
type VersionInfo struct {
	Path          string `json:"path"`
	Full          string `json:"version"`
	Major         int    `json:"major_version"`
	Minor         int    `json:"minor_version"`
	BuildInfo     string `json:"build_info,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

// FindBinary resolves the ffmpeg executable.
// Search order:
//  1. configured path (from ffmpeg.binary_path)
//  2. $CAMRELAY_FFMPEG
//  3. ./ffmpeg
//  4. ffmpeg on PATH
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s is not executable", ErrBinaryNotFound, configured)
	}

	if envPath := os.Getenv(EnvBinary); envPath != "" && isExecutable(envPath) {
		return envPath, nil
	}

	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	return "", ErrBinaryNotFound
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// ProbeVersion runs `ffmpeg -version` and parses the result.
func ProbeVersion(ctx context.Context, path string) (*VersionInfo, error) {
	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}

	info, err := parseVersionOutput(string(output))
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

func parseVersionOutput(output string) (*VersionInfo, error) {
	info := &VersionInfo{}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			info.Full = parts[2]
			if matches := versionRegex.FindStringSubmatch(parts[2]); len(matches) >= 3 {
				info.Major, _ = strconv.Atoi(matches[1])
				info.Minor, _ = strconv.Atoi(matches[2])
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildInfo = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}

	if info.Full == "" {
		return nil, errors.New("failed to parse ffmpeg version")
	}
	return info, nil
}

// HasLibVPX reports whether the build was configured with the VP8 encoder
// the peer path relies on.
func (v *VersionInfo) HasLibVPX() bool {
	return strings.Contains(v.Configuration, "--enable-libvpx")
}
