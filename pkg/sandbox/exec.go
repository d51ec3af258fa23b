// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentci/agentci/pkg/errors"
)

// Exec spawns a child process inside the sandbox workspace and streams its
// stdout and stderr line by line into the sandbox log and to progress.
// Commands run serially unless the sandbox was created with ParallelExec.
//
// On timeout the whole process tree is killed; the result carries
// TimeoutExitCode and a stderr line explaining why. A timeout is reported
// through the result, not the error return.
func (s *Sandbox) Exec(ctx context.Context, command string, timeout time.Duration, progress ProgressFunc) (*CommandResult, error) {
	if !s.parallel {
		s.execMu.Lock()
		defer s.execMu.Unlock()
	}

	s.mu.Lock()
	switch {
	case s.state == StateDestroyed || s.state == StateCleaning:
		s.mu.Unlock()
		return nil, errors.New("sandbox is destroyed")
	case s.cancelled:
		s.mu.Unlock()
		return nil, errors.New("sandbox is cancelled")
	}
	s.state = StateBusy
	s.mu.Unlock()
	defer s.setState(StateReady)

	start := time.Now()

	// A zero or negative budget has already expired.
	if timeout <= 0 {
		reason := fmt.Sprintf("command timed out: no time budget remaining (timeout %v)", timeout)
		s.appendLog("STDERR", reason)
		if progress != nil {
			progress("STDERR", reason)
		}
		return &CommandResult{
			Command:   command,
			ExitCode:  TimeoutExitCode,
			Stderr:    reason,
			Duration:  time.Since(start),
			StartedAt: start,
			TimedOut:  true,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = s.workspace
	cmd.Env = s.buildEnv()
	// New process group so a timeout or cancel kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, &errors.CommandError{Command: command, ExitCode: TimeoutExitCode, Stderr: err.Error()}
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.procs[pid] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()
	}()

	// Kill the process group when the context expires or Cancel fires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			killGroup(pid)
		case <-done:
		}
	}()

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamLines("STDOUT", stdout, &stdoutBuf, progress)
	}()
	go func() {
		defer wg.Done()
		s.streamLines("STDERR", stderr, &stderrBuf, progress)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &CommandResult{
		Command:   command,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		StartedAt: start,
	}

	if ctx.Err() == context.DeadlineExceeded {
		reason := fmt.Sprintf("command timed out after %v", timeout)
		s.appendLog("STDERR", reason)
		if progress != nil {
			progress("STDERR", reason)
		}
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += reason
		return result, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, errors.Wrap(waitErr, "waiting for command")
	}

	result.ExitCode = 0
	return result, nil
}

// streamLines copies one output stream line by line into the sandbox log,
// the capture buffer, and the progress callback.
func (s *Sandbox) streamLines(stream string, r io.Reader, capture *strings.Builder, progress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.appendLog(stream, line)
		if capture.Len() > 0 {
			capture.WriteByte('\n')
		}
		capture.WriteString(line)
		if progress != nil {
			progress(stream, line)
		}
	}
}

// CloneSource places the target repository at <workspace>/code.
func (s *Sandbox) CloneSource(ctx context.Context, repoRef, branch string) error {
	if err := validateRef(repoRef); err != nil {
		return &errors.SourceCloneError{Repo: repoRef, Branch: branch, Cause: err}
	}
	if err := validateRef(branch); err != nil {
		return &errors.SourceCloneError{Repo: repoRef, Branch: branch, Cause: err}
	}

	cmd := fmt.Sprintf("git clone --depth 1 --branch %s --single-branch %s code", branch, repoRef)
	res, err := s.Exec(ctx, cmd, 5*time.Minute, nil)
	if err != nil {
		return &errors.SourceCloneError{Repo: repoRef, Branch: branch, Cause: err}
	}
	if res.ExitCode != 0 {
		return &errors.SourceCloneError{
			Repo:   repoRef,
			Branch: branch,
			Cause:  &errors.CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr},
		}
	}
	return nil
}

// validateRef rejects refs that could smuggle shell metacharacters into the
// clone command line.
func validateRef(ref string) error {
	if ref == "" {
		return errors.New("empty reference")
	}
	if strings.ContainsAny(ref, " \t\n;&|$`'\"(){}<>") {
		return fmt.Errorf("reference %q contains unsafe characters", ref)
	}
	return nil
}

// Cancel flips the cancellation flag, observed between commands, and
// signals any in-flight command's process group. Idempotent.
func (s *Sandbox) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		killGroup(pid)
	}
}

// Destroy tears down the workspace and all child processes. Idempotent:
// the second and later calls are no-ops.
func (s *Sandbox) Destroy() error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateCleaning
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		killGroup(pid)
	}

	err := os.RemoveAll(s.workspace)

	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()

	s.manager.forget(s.id)

	if err != nil {
		return errors.Wrap(err, "removing workspace")
	}
	return nil
}

// killGroup kills the process group rooted at pid. The process may already
// have exited; that is not an error.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
