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

// Command warden supervises one game-server process on
// behalf of a parent agent.
//
// The agent spawns warden with a server identity, the
// name of a control pipe it is listening on, and a
// server config file. warden dials the pipe, loads and
// validates the config, spawns the child inside a
// resource group, and then speaks the framed control
// protocol until the agent disconnects or requests
// shutdown.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/wardenhq/warden/host"
	"github.com/wardenhq/warden/wire"
)

// VERSION is populated via build flags when packaging
// official binaries.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "warden"
	app.Usage = "game server supervisor"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server-id, s",
			Usage: "identity of the supervised server, assigned by the agent",
		},
		cli.StringFlag{
			Name:  "pipe, p",
			Usage: "control pipe name, or an absolute socket path",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the server config file (JSON or YAML)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log verbosity: debug, info, warn, error",
		},
		cli.DurationFlag{
			Name:  "dial-timeout",
			Value: wire.DefaultDialTimeout,
			Usage: "how long to wait for the agent's control pipe",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}

// usageError reports a bad invocation on stderr. None of
// these paths have touched the control pipe: an agent
// watching the socket sees a connect that never came,
// not a half-open session.
func usageError(c *cli.Context, format string, args ...interface{}) error {
	cli.ShowAppHelp(c)
	return fmt.Errorf(format, args...)
}

func run(c *cli.Context) error {
	serverID := c.String("server-id")
	pipe := c.String("pipe")
	cfgPath := c.String("config")
	if serverID == "" {
		return usageError(c, "--server-id is required")
	}
	if pipe == "" {
		return usageError(c, "--pipe is required")
	}
	if cfgPath == "" {
		return usageError(c, "--config is required")
	}
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return usageError(c, "bad --log-level: %s", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	// config trouble is reported before the agent is
	// dialed so a rejected config never opens a session
	cfg, err := host.LoadConfig(cfgPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	nc, err := wire.Dial(pipe, c.Duration("dial-timeout"))
	if err != nil {
		return errors.Wrapf(err, "dialing control pipe %q", pipe)
	}
	defer nc.Close()

	log.WithFields(logrus.Fields{
		"server": serverID,
		"pipe":   wire.PipePath(pipe),
		"exe":    cfg.ExecutablePath,
	}).Info("supervisor connected")

	sup := host.NewSupervisor(serverID, cfg, wire.NewConn(nc, log), log)
	if err := sup.Run(); err != nil {
		return errors.Wrap(err, "supervisor")
	}
	log.Info("supervisor exiting")
	return nil
}
