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

//go:build linux || darwin

package host

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fakeExe(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gameserver")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	exe := fakeExe(t)
	path := writeConfig(t, `
executablePath: `+exe+`
arguments: -port 7777 -map "de dust"
captureStdout: true
environmentVariables:
  GAME_MODE: ffa
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ExecutablePath != exe {
		t.Errorf("executablePath %q", cfg.ExecutablePath)
	}
	if !cfg.CaptureStdout || cfg.CaptureStderr {
		t.Error("capture flags not honored")
	}
	if cfg.EnvironmentVariables["GAME_MODE"] != "ffa" {
		t.Errorf("env %v", cfg.EnvironmentVariables)
	}
	// defaults applied
	if cfg.GracefulShutdownTimeoutSeconds != DefaultGracefulTimeout {
		t.Errorf("gracefulShutdownTimeoutSeconds %d", cfg.GracefulShutdownTimeoutSeconds)
	}
	if cfg.RestartDelaySeconds != DefaultRestartDelay {
		t.Errorf("restartDelaySeconds %d", cfg.RestartDelaySeconds)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	exe := fakeExe(t)
	// JSON is a subset of YAML; same loader
	path := writeConfig(t, `{"executablePath": "`+exe+`", "cpuLimitPercent": 50, "unknownField": true}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CPULimitPercent != 50 {
		t.Errorf("cpuLimitPercent %d", cfg.CPULimitPercent)
	}
}

func TestLoadConfigCollectsViolations(t *testing.T) {
	path := writeConfig(t, `
executablePath: relative/path
cpuLimitPercent: 200
maxRestartAttempts: -1
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("want validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "invalid server config: ") {
		t.Errorf("prefix: %q", msg)
	}
	// one error reports every violation
	for _, want := range []string{"executablePath", "cpuLimitPercent", "maxRestartAttempts"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}
}

func TestLoadConfigNotExecutable(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(exe, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "executablePath: "+exe+"\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "not executable") {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfigNonCanonicalPath(t *testing.T) {
	exe := fakeExe(t)
	dir := filepath.Dir(exe)
	path := writeConfig(t, "executablePath: "+dir+"/../"+filepath.Base(dir)+"/gameserver\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "not canonical") {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", MaxConfigSize)+"\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfigTooDeep(t *testing.T) {
	depth := maxConfigDepth + 8
	body := `{"executablePath": ` + strings.Repeat(`{"a":`, depth) + `0` + strings.Repeat(`}`, depth) + `}`
	path := writeConfig(t, body)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "nested deeper") {
		t.Errorf("got %v", err)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := writeConfig(t, "executablePath: [unclosed\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("want parse error")
	}
}

func TestEnviron(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("WARDEN_SECRET", "hunter2")
	cfg := &ServerConfig{
		EnvironmentVariables: map[string]string{"B_VAR": "2", "A_VAR": "1"},
	}
	env := cfg.environ()
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "PATH=/usr/bin") {
		t.Errorf("PATH not inherited: %v", env)
	}
	if strings.Contains(joined, "WARDEN_SECRET") {
		t.Errorf("non-whitelisted variable leaked: %v", env)
	}
	// overlay is sorted for deterministic spawns
	ai := strings.Index(joined, "A_VAR=1")
	bi := strings.Index(joined, "B_VAR=2")
	if ai < 0 || bi < 0 || ai > bi {
		t.Errorf("overlay order: %v", env)
	}
}
