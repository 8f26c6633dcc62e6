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

// Package host runs one game-server executable under a
// supervisor: it spawns the child inside a kill-switch
// resource group, captures its output line by line,
// forwards stdin, walks the lifecycle state machine,
// and restarts the child when the config says so.
//
// The package is transport-agnostic: every externally
// visible event (state transitions, output lines) goes
// through an injected Emitter. The supervisor binary
// wires the Emitter to the framed control connection.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/wardenhq/warden/argv"
	"github.com/wardenhq/warden/isolate"
	"github.com/wardenhq/warden/wire"
)

// forcedKillWait bounds the wait after the resource
// group has been force-killed.
const forcedKillWait = 5 * time.Second

var (
	// ErrDisposed is returned by every operation
	// entered after Dispose.
	ErrDisposed = errors.New("host: server is disposed")

	// ErrStdinNotRedirected is returned by Input when
	// the config did not redirect the child's stdin.
	ErrStdinNotRedirected = errors.New("host: stdin is not redirected")
)

// Emitter receives outbound protocol messages.
// Implementations must be safe for concurrent use and
// must never panic into the caller; emission is
// fire-and-forget.
type Emitter func(msg wire.Message)

// Server hosts one child executable.
//
// All OS handles (process, resource group, stdio pipes)
// are owned by the Server; the exit watcher only reads.
// Release is centralized in the exit handler and in
// Dispose, both of which are safe to run on any unwind
// path.
type Server struct {
	serverID string
	cfg      *ServerConfig
	emit     Emitter
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	// exitc is the only thing the OS-level exit
	// callback touches; the lifecycle goroutine
	// consumes it and does the actual work
	exitc chan ExitNotice

	stopOnce sync.Once
	stopc    chan struct{}

	mu           sync.Mutex
	disposed     bool
	state        State
	lastMsg      string
	proc         *ManagedProcess
	cmd          *exec.Cmd
	group        *isolate.Group
	stdin        io.WriteCloser
	archive      *archive
	attemptDone  chan struct{}
	stopReq      bool
	forced       bool
	restartCount int
}

// NewServer creates a Server in Initializing state and
// emits the first status. Call Start to spawn the child.
func NewServer(serverID string, cfg *ServerConfig, emit Emitter, log logrus.FieldLogger) *Server {
	if emit == nil {
		emit = func(wire.Message) {}
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		serverID:    serverID,
		cfg:         cfg,
		emit:        emit,
		log:         log.WithField("server", serverID),
		ctx:         ctx,
		cancel:      cancel,
		exitc:       make(chan ExitNotice, 1),
		stopc:       make(chan struct{}),
		state:       Initializing,
		attemptDone: make(chan struct{}),
	}
	s.emit(s.statusLocked())
	go s.lifecycle()
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a point-in-time status message.
func (s *Server) Status() *wire.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() *wire.Status {
	st := &wire.Status{
		State:     s.state.String(),
		Message:   s.lastMsg,
		Timestamp: time.Now().UTC(),
	}
	if p := s.proc; p != nil {
		if p.ExitedAt.IsZero() {
			pid := p.OsPid
			st.OsPid = &pid
		}
		st.ExitCode = p.ExitCode
	}
	return st
}

// transition moves to next and emits a status.
// Transitions outside the lifecycle graph are dropped;
// that keeps the emitted sequence monotonic even if an
// exit notice races a stop request.
func (s *Server) transition(next State, msg string) {
	if !s.state.canEnter(next) {
		s.log.Debugf("dropping transition %s -> %s (%s)", s.state, next, msg)
		return
	}
	s.state = next
	s.lastMsg = msg
	s.log.Infof("state %s: %s", next, msg)
	s.emit(s.statusLocked())
}

// Start spawns the child for the first time.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if s.state != Initializing {
		return fmt.Errorf("host: cannot start from state %s", s.state)
	}
	return s.startLocked(0)
}

// startLocked runs one spawn attempt. The caller holds
// s.mu. Any failure between resource acquisition and a
// successful spawn releases everything it acquired and
// lands in Failed.
func (s *Server) startLocked(restarts int) error {
	s.transition(Starting, "spawning child")
	done := make(chan struct{})
	s.attemptDone = done

	fail := func(err error) error {
		s.transition(Failed, err.Error())
		close(done)
		return err
	}

	args := argv.Split(s.cfg.Arguments)
	cmd := exec.Command(s.cfg.ExecutablePath, args...)
	cmd.Dir = s.cfg.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(s.cfg.ExecutablePath)
	}
	cmd.Env = s.cfg.environ()

	procID := uuid.NewString()
	group := isolate.New("gs-"+procID[:8], isolate.Limits{
		MemoryMb:             s.cfg.MemoryLimitMb,
		CPUMilli:             int64(s.cfg.CPULimitPercent) * 10,
		MaxProcs:             s.cfg.MaxChildProcesses,
		KillOnMemoryExceeded: s.cfg.KillOnMemoryExceeded,
	}, s.log)
	group.Configure(cmd)

	if s.cfg.ArchiveConsolePath != "" && s.archive == nil {
		ar, err := openArchive(s.cfg.ArchiveConsolePath)
		if err != nil {
			// the archive is best-effort; the live
			// stream is the source of truth
			s.log.Warnf("console archive: %s", err)
		} else {
			s.archive = ar
		}
	}

	var wg sync.WaitGroup
	var stdout, stderr io.ReadCloser
	var err error
	if s.cfg.CaptureStdout {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			group.Close()
			return fail(fmt.Errorf("stdout pipe: %w", err))
		}
	}
	if s.cfg.CaptureStderr {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			group.Close()
			return fail(fmt.Errorf("stderr pipe: %w", err))
		}
	}
	var stdin io.WriteCloser
	if s.cfg.RedirectStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			group.Close()
			return fail(fmt.Errorf("stdin pipe: %w", err))
		}
	}

	if err := cmd.Start(); err != nil {
		group.Close()
		if stdin != nil {
			stdin.Close()
		}
		return fail(fmt.Errorf("spawn: %w", err))
	}
	pid := cmd.Process.Pid

	// the child must be in the group before it can
	// create children of its own
	if err := group.Assign(pid); err != nil {
		cmd.Process.Kill()
		group.Close()
		if stdin != nil {
			stdin.Close()
		}
		go cmd.Wait() // reap
		return fail(fmt.Errorf("assigning pid %d to resource group: %w", pid, err))
	}

	if stdout != nil {
		wg.Add(1)
		go s.capture(&wg, stdout, false)
	}
	if stderr != nil {
		wg.Add(1)
		go s.capture(&wg, stderr, true)
	}

	s.proc = &ManagedProcess{
		ProcessID:    procID,
		ServerID:     s.serverID,
		OsPid:        pid,
		StartedAt:    time.Now().UTC(),
		RestartCount: restarts,
	}
	s.cmd = cmd
	s.group = group
	s.stdin = stdin

	go s.watch(cmd, &wg)

	s.transition(Running, fmt.Sprintf("child running with pid %d", pid))
	return nil
}

// watch is the exit observer: it blocks until the child
// exits and enqueues exactly one ExitNotice. It touches
// nothing else.
func (s *Server) watch(cmd *exec.Cmd, captures *sync.WaitGroup) {
	// the capture goroutines must drain the pipes
	// before Wait is allowed to close them
	captures.Wait()
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	var werr error
	var xerr *exec.ExitError
	if err != nil && !errors.As(err, &xerr) {
		werr = err
	}
	select {
	case s.exitc <- ExitNotice{Code: code, Err: werr, At: time.Now().UTC()}:
	case <-s.ctx.Done():
	}
}

// lifecycle consumes exit notices until disposal.
func (s *Server) lifecycle() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case n := <-s.exitc:
			s.handleExit(n)
		}
	}
}

func (s *Server) handleExit(n ExitNotice) {
	s.mu.Lock()
	if s.proc == nil || s.cmd == nil {
		s.mu.Unlock()
		return
	}
	code := n.Code
	s.proc.ExitedAt = n.At
	s.proc.ExitCode = &code

	// the watcher has returned: the exit observer is
	// deregistered before any handle is released
	s.cmd = nil
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	group := s.group
	s.group = nil

	var next State
	var msg string
	switch {
	case n.Err != nil:
		next, msg = Failed, fmt.Sprintf("waiting for child: %s", n.Err)
	case s.state == Stopping:
		next, msg = Stopped, fmt.Sprintf("stopped with exit code %d", code)
	case code == 0:
		next, msg = Stopped, "exited cleanly"
	default:
		next, msg = Failed, fmt.Sprintf("exited with code %d", code)
	}
	restart := s.cfg.AutoRestart &&
		!s.stopReq && !s.forced && !s.disposed &&
		s.restartCount < s.cfg.MaxRestartAttempts
	s.transition(next, msg)
	done := s.attemptDone
	s.mu.Unlock()

	if group != nil {
		group.Close()
	}
	close(done)

	if !restart {
		return
	}
	delay := time.Duration(s.cfg.RestartDelaySeconds) * time.Second
	s.mu.Lock()
	s.restartCount++
	rc := s.restartCount
	s.transition(Restarting, fmt.Sprintf("restart attempt %d of %d in %s", rc, s.cfg.MaxRestartAttempts, delay))
	s.mu.Unlock()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-s.stopc:
	case <-t.C:
		s.mu.Lock()
		if !s.disposed && !s.stopReq {
			s.startLocked(rc)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
	// cancelled during the delay
	s.mu.Lock()
	s.transition(Stopped, "restart cancelled")
	s.mu.Unlock()
}

// Stop runs the graceful-then-forced stop algorithm:
// polite termination, a graceful wait, then a forced
// kill of the whole resource group with a short grace
// period of its own.
//
// A non-positive timeout uses the configured
// gracefulShutdownTimeoutSeconds; a Stop command that
// carries its own timeoutSeconds takes precedence over
// the config.
func (s *Server) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.GracefulShutdownTimeoutSeconds) * time.Second
	}
	s.stopOnce.Do(func() { close(s.stopc) })

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.stopReq = true
	if s.state.Terminal() || s.state == Initializing || s.state == Restarting {
		// nothing running; Restarting resolves to
		// Stopped in the lifecycle goroutine
		s.mu.Unlock()
		return nil
	}
	if s.state == Stopping {
		done := s.attemptDone
		s.mu.Unlock()
		waitClosed(done, timeout+forcedKillWait)
		return nil
	}
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.transition(Stopping, "stop requested")
	proc := s.cmd.Process
	done := s.attemptDone
	s.mu.Unlock()

	if err := politeStop(proc); err != nil {
		s.log.Debugf("polite stop: %s", err)
	}
	if waitClosed(done, timeout) {
		return nil
	}

	s.mu.Lock()
	s.forced = true
	group := s.group
	s.mu.Unlock()
	if group != nil {
		if err := group.Kill(); err != nil {
			s.log.Warnf("force kill: %s", err)
		}
	}
	if waitClosed(done, forcedKillWait) {
		return nil
	}
	s.mu.Lock()
	s.transition(Failed, "child survived forced termination")
	s.mu.Unlock()
	return errors.New("host: child survived forced termination")
}

// Kill force-terminates the resource group without a
// graceful phase.
func (s *Server) Kill() error {
	s.stopOnce.Do(func() { close(s.stopc) })
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	s.stopReq = true
	s.forced = true
	if s.state.Terminal() || s.state == Initializing || s.state == Restarting {
		s.mu.Unlock()
		return nil
	}
	if s.state != Stopping {
		s.transition(Stopping, "kill requested")
	}
	group := s.group
	done := s.attemptDone
	s.mu.Unlock()
	if group != nil {
		if err := group.Kill(); err != nil {
			s.log.Warnf("force kill: %s", err)
		}
	}
	if waitClosed(done, forcedKillWait) {
		return nil
	}
	s.mu.Lock()
	s.transition(Failed, "child survived forced termination")
	s.mu.Unlock()
	return errors.New("host: child survived forced termination")
}

// Input writes one line (newline appended) to the
// child's stdin. It fails with ErrStdinNotRedirected
// when the config did not ask for stdin redirection;
// callers are expected to warn and carry on.
func (s *Server) Input(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if !s.cfg.RedirectStdin || s.stdin == nil {
		return ErrStdinNotRedirected
	}
	if s.state != Running {
		return fmt.Errorf("host: child is %s", s.state)
	}
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// Dispose tears the server down: the disposed flag goes
// up first, then the cancellation token falls, then the
// tracked resource group is terminated, then the
// remaining handles are released. Dispose is idempotent.
func (s *Server) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	group := s.group
	s.group = nil
	stdin := s.stdin
	s.stdin = nil
	ar := s.archive
	s.archive = nil
	s.mu.Unlock()

	s.cancel()
	s.stopOnce.Do(func() { close(s.stopc) })
	if group != nil {
		group.Close()
	}
	if stdin != nil {
		stdin.Close()
	}
	if ar != nil {
		ar.Close()
	}
}

// environ builds the child environment: a whitelisted
// slice of the parent's environment overlaid with the
// configured variables. The child never sees the full
// parent environment (credentials may live there).
func (c *ServerConfig) environ() []string {
	env := []string{"LANG=C.UTF-8"}
	for _, key := range []string{"PATH", "SHELL", "LANG", "HOME"} {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	keys := maps.Keys(c.EnvironmentVariables)
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.EnvironmentVariables[k])
	}
	return env
}

func waitClosed(c <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c:
		return true
	case <-t.C:
		return false
	}
}
