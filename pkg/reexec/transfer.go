// Copyright 2024 The Vera Authors.
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

package reexec

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// EnvVar is the environment variable naming the inherited payload pipe's
// read end fd (spec.md §6 "Re-exec payload").
const EnvVar = "REEXEC_FD"

// ClearCloexec drops O_CLOEXEC on fd so it survives execve, as spec.md §4.I
// step 1 requires for every ProcessGroup's pipe and cgroup.events fds.
func ClearCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD fd=%d: %w", fd, err)
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fcntl F_SETFD fd=%d: %w", fd, err)
	}
	return nil
}

// Exec writes payload to a pipe, clears its read end's close-on-exec,
// exports REEXEC_FD, and execve's binaryPath with the current argv and
// environment. On success this call never returns.
func Exec(binaryPath string, payload *Payload) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating re-exec payload pipe: %w", err)
	}
	defer pw.Close()

	if err := payload.Encode(pw); err != nil {
		pr.Close()
		return fmt.Errorf("encoding re-exec payload: %w", err)
	}
	if err := pw.Close(); err != nil {
		pr.Close()
		return fmt.Errorf("closing payload pipe write end: %w", err)
	}

	if err := ClearCloexec(int(pr.Fd())); err != nil {
		pr.Close()
		return err
	}

	env := append(os.Environ(), fmt.Sprintf("%s=%d", EnvVar, pr.Fd()))
	argv := os.Args

	if err := syscall.Exec(binaryPath, argv, env); err != nil {
		pr.Close()
		return fmt.Errorf("execve %q: %w", binaryPath, err)
	}
	return nil // unreachable on success
}
