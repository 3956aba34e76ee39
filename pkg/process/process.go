// Package process supervises the node child processes launched on a
// machine: argv construction with optional
// real-time priority and CPU affinity wrappers, liveness checks via
// signal zero, and the staged interrupt-then-kill termination sequence.
package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/brandlab/orchestrator/pkg/config"
)

// State is a position in the termination state machine a child moves
// through: Alive → Interrupted → Killed → Gone | Stuck.
type State int

const (
	Alive State = iota
	Interrupted
	Killed
	Gone
	Stuck
)

// String returns the human-readable name of s.
func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Interrupted:
		return "interrupted"
	case Killed:
		return "killed"
	case Gone:
		return "gone"
	case Stuck:
		return "stuck"
	default:
		return "unknown"
	}
}

// Handle is a supervised child process, normally a node instance. It
// exists only on the machine that launched it and is removed once its
// termination is confirmed.
type Handle struct {
	Nickname string
	PID      int
	Args     []string

	cmd   *exec.Cmd
	state State
	mu    sync.Mutex
}

// State returns the handle's current termination-machine state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Supervisor launches and terminates child processes according to the
// interrupt/kill timeouts in its ProcessConfig.
type Supervisor struct {
	interruptTimeout time.Duration
	killTimeout      time.Duration

	mu       sync.Mutex
	children map[string]*Handle
}

// New builds a Supervisor from cfg, defaulting unset timeouts to 15s
// per the staged-termination contract.
func New(cfg config.ProcessConfig) *Supervisor {
	interrupt := cfg.InterruptTimeout
	if interrupt <= 0 {
		interrupt = 15 * time.Second
	}
	kill := cfg.KillTimeout
	if kill <= 0 {
		kill = 15 * time.Second
	}
	return &Supervisor{
		interruptTimeout: interrupt,
		killTimeout:      kill,
		children:         make(map[string]*Handle),
	}
}

// BuildArgv constructs argv for a node binary: the binary, its
// `-n nickname -i host -p port [-s socket]` flags, wrapped with
// `chrt -f <priority>` when priority > 0 and `taskset -c <mask>` when
// affinity is non-empty. Wrapping is applied outermost-affinity-first
// so the resulting command reads `taskset -c <mask> chrt -f <p> <binary> ...`.
func BuildArgv(binary string, nodeArgs []string, priority int, affinity string) []string {
	argv := append([]string{binary}, nodeArgs...)

	if priority > 0 {
		argv = append([]string{"chrt", "-f", strconv.Itoa(priority)}, argv...)
	}
	if affinity != "" {
		argv = append([]string{"taskset", "-c", affinity}, argv...)
	}
	return argv
}

// Launch starts argv as a child process in its own process group and
// records it under nickname for later termination.
func (s *Supervisor) Launch(nickname string, argv []string) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("process: empty argv for %s", nickname)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: launching %s: %w", nickname, err)
	}

	handle := &Handle{
		Nickname: nickname,
		PID:      cmd.Process.Pid,
		Args:     argv,
		cmd:      cmd,
		state:    Alive,
	}

	go func() {
		_ = cmd.Wait()
	}()

	s.mu.Lock()
	s.children[nickname] = handle
	s.mu.Unlock()

	return handle, nil
}

// Track records an externally-launched handle so it participates in
// TerminateAll.
func (s *Supervisor) Track(h *Handle) {
	s.mu.Lock()
	s.children[h.Nickname] = h
	s.mu.Unlock()
}

// Handles returns a snapshot of every tracked handle.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.children))
	for _, h := range s.children {
		out = append(out, h)
	}
	return out
}

// IsAlive reports whether pid can receive a zero signal, the liveness
// check the termination state machine is built on.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Terminate runs the staged termination sequence on h: if it is
// already gone, record Gone immediately. Otherwise send SIGINT and
// wait up to the interrupt timeout, then SIGKILL and wait up to the
// kill timeout, landing in Gone or Stuck. The wait loop polls
// liveness against a deadline rather than depending on cmd.Wait
// returning in time, since Wait's goroutine may have already
// consumed the exit status.
func (s *Supervisor) Terminate(h *Handle) State {
	if !IsAlive(h.PID) {
		h.setState(Gone)
		return Gone
	}

	_ = syscall.Kill(h.PID, syscall.SIGINT)
	h.setState(Interrupted)
	if waitForExit(h.PID, s.interruptTimeout) {
		h.setState(Gone)
		return Gone
	}

	_ = syscall.Kill(h.PID, syscall.SIGKILL)
	h.setState(Killed)
	if waitForExit(h.PID, s.killTimeout) {
		h.setState(Gone)
		return Gone
	}

	h.setState(Stuck)
	return Stuck
}

// waitForExit polls IsAlive until pid exits or the deadline elapses,
// returning true if the process exited within the deadline.
func waitForExit(pid int, deadline time.Duration) bool {
	if !IsAlive(pid) {
		return true
	}

	timeout := time.After(deadline)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return !IsAlive(pid)
		case <-ticker.C:
			if !IsAlive(pid) {
				return true
			}
		}
	}
}

// StuckReport names a nickname/pid pair that survived staged
// termination, for the single diagnostic a caller logs after
// iterating all children.
type StuckReport struct {
	Nickname string
	PID      int
}

// TerminateAll runs Terminate on every tracked handle and removes the
// ones that ended Gone. It returns the handles that ended Stuck so the
// caller can emit the single diagnostic listing them; this is a
// warning, not a fatal error.
func (s *Supervisor) TerminateAll() []StuckReport {
	var stuck []StuckReport

	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.children))
	for _, h := range s.children {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if s.Terminate(h) == Stuck {
			stuck = append(stuck, StuckReport{Nickname: h.Nickname, PID: h.PID})
			continue
		}
		s.mu.Lock()
		delete(s.children, h.Nickname)
		s.mu.Unlock()
	}

	return stuck
}
