// Copyright 2024 Warden, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	// MaxConfigSize bounds the config file; anything
	// larger is rejected before parsing.
	MaxConfigSize = 1 << 20

	// maxConfigDepth bounds nesting of the parsed
	// document.
	maxConfigDepth = 32

	// DefaultGracefulTimeout is used when the config
	// does not specify gracefulShutdownTimeoutSeconds.
	DefaultGracefulTimeout = 30

	// DefaultRestartDelay is used when the config
	// enables autoRestart without a delay.
	DefaultRestartDelay = 5
)

// ServerConfig describes one game server: what to run,
// how to capture it, and which limits to pin it under.
// The config is immutable once loaded.
type ServerConfig struct {
	// ExecutablePath must be absolute, canonical, and
	// refer to an existing executable regular file.
	ExecutablePath string `json:"executablePath"`
	// Arguments is a single string parsed into argv
	// tokens (see the argv package); never a shell line.
	Arguments string `json:"arguments,omitempty"`
	// WorkingDirectory defaults to the executable's
	// directory when empty.
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	// EnvironmentVariables are overlaid onto a
	// whitelisted base environment; the child never
	// inherits the supervisor's full environment.
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`

	CaptureStdout bool `json:"captureStdout"`
	CaptureStderr bool `json:"captureStderr"`
	RedirectStdin bool `json:"redirectStdin"`

	AutoRestart         bool `json:"autoRestart"`
	MaxRestartAttempts  int  `json:"maxRestartAttempts"`
	RestartDelaySeconds int  `json:"restartDelaySeconds"`

	CPULimitPercent      int   `json:"cpuLimitPercent"`
	MemoryLimitMb        int64 `json:"memoryLimitMb"`
	MaxChildProcesses    int64 `json:"maxChildProcesses,omitempty"`
	KillOnMemoryExceeded bool  `json:"killOnMemoryExceeded,omitempty"`

	GracefulShutdownTimeoutSeconds int `json:"gracefulShutdownTimeoutSeconds"`

	// ArchiveConsolePath, when set, makes the capture
	// path append every line to a zstd-compressed
	// archive at this absolute path.
	ArchiveConsolePath string `json:"archiveConsolePath,omitempty"`
}

// LoadConfig reads, parses, defaults, and validates a
// ServerConfig. The file may be JSON or YAML (YAML is
// converted to JSON before parsing); unknown fields are
// ignored and null optionals are treated as absent.
// Validation failures come back as a single error whose
// text concatenates every violation.
func LoadConfig(path string) (*ServerConfig, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > MaxConfigSize {
		return nil, fmt.Errorf("config %s is %d bytes; limit is %d", path, fi.Size(), MaxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsdata, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := checkDepth(jsdata, maxConfigDepth); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg := &ServerConfig{}
	if err := json.Unmarshal(jsdata, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.GracefulShutdownTimeoutSeconds == 0 {
		c.GracefulShutdownTimeoutSeconds = DefaultGracefulTimeout
	}
	if c.RestartDelaySeconds == 0 {
		c.RestartDelaySeconds = DefaultRestartDelay
	}
}

// Validate checks every invariant and reports all
// violations in one error.
func (c *ServerConfig) Validate() error {
	var errs []string
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}
	switch {
	case c.ExecutablePath == "":
		bad("executablePath is required")
	case !filepath.IsAbs(c.ExecutablePath):
		bad("executablePath %q is not absolute", c.ExecutablePath)
	case filepath.Clean(c.ExecutablePath) != c.ExecutablePath:
		bad("executablePath %q is not canonical", c.ExecutablePath)
	default:
		if fi, err := os.Stat(c.ExecutablePath); err != nil {
			bad("executablePath: %s", err)
		} else if !fi.Mode().IsRegular() {
			bad("executablePath %q is not a regular file", c.ExecutablePath)
		} else if !executable(fi) {
			bad("executablePath %q is not executable", c.ExecutablePath)
		}
	}
	if c.WorkingDirectory != "" && !filepath.IsAbs(c.WorkingDirectory) {
		bad("workingDirectory %q is not absolute", c.WorkingDirectory)
	}
	if c.MaxRestartAttempts < 0 {
		bad("maxRestartAttempts %d is negative", c.MaxRestartAttempts)
	}
	if c.RestartDelaySeconds < 1 {
		bad("restartDelaySeconds %d must be at least 1", c.RestartDelaySeconds)
	}
	if c.CPULimitPercent < 0 || c.CPULimitPercent > 100 {
		bad("cpuLimitPercent %d outside 0..100", c.CPULimitPercent)
	}
	if c.MemoryLimitMb < 0 {
		bad("memoryLimitMb %d is negative", c.MemoryLimitMb)
	}
	if c.MaxChildProcesses < 0 {
		bad("maxChildProcesses %d is negative", c.MaxChildProcesses)
	}
	if c.GracefulShutdownTimeoutSeconds < 1 {
		bad("gracefulShutdownTimeoutSeconds %d must be at least 1", c.GracefulShutdownTimeoutSeconds)
	}
	if c.ArchiveConsolePath != "" && !filepath.IsAbs(c.ArchiveConsolePath) {
		bad("archiveConsolePath %q is not absolute", c.ArchiveConsolePath)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid server config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// checkDepth walks the JSON token stream and rejects
// documents nested deeper than max.
func checkDepth(data []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// including io.EOF: syntax errors surface
			// again from Unmarshal with better context
			return nil
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > max {
					return fmt.Errorf("document nested deeper than %d levels", max)
				}
			case '}', ']':
				depth--
			}
		}
	}
}
