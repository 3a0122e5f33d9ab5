// Package supervisor runs the agent executable on an agent host.
//
// In one-shot mode every command spawns the executable with the prompt as
// its last argument. In interactive mode a single long-lived process is
// started once and prompts are written to its input, optionally through a
// pseudo-terminal. Output, acks and outcomes are reported on one ordered
// event channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/model"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateCrashed  State = "CRASHED"
)

// ReasonProcessExited resolves a command whose process went away.
const ReasonProcessExited = "agent process terminated"

var (
	ErrNotRunning  = errors.New("supervisor is not running")
	ErrBusy        = errors.New("a command is already running")
	ErrNoCommand   = errors.New("no command is running")
	ErrNoTerminal  = errors.New("process has no terminal")
	ErrInputClosed = errors.New("process input is closed")
)

// EventKind classifies supervisor events.
type EventKind string

const (
	EventAck         EventKind = "ack"
	EventOutput      EventKind = "output"
	EventComplete    EventKind = "complete"
	EventFailed      EventKind = "failed"
	EventInterrupted EventKind = "interrupted"
	EventStatus      EventKind = "status"
)

// Stream names.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Event is one supervisor notification.
type Event struct {
	Kind      EventKind
	CommandID string
	Stream    string
	Data      []byte
	ExitCode  int
	Error     string
	State     State
	Duration  time.Duration
}

// Metadata describes the supervised process.
type Metadata struct {
	PID          int                `json:"pid"`
	State        State              `json:"state"`
	CommandID    string             `json:"commandId,omitempty"`
	Capabilities model.Capabilities `json:"capabilities"`
}

// proc is one spawned executable with its I/O handles.
type proc struct {
	cmd    *exec.Cmd
	tty    *os.File
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	exit   chan struct{}
}

// noInput stands in for stdin when the process reads /dev/null.
type noInput struct{}

func (noInput) Write([]byte) (int, error) { return 0, os.ErrClosed }
func (noInput) Close() error              { return nil }

// run is one command in flight.
type run struct {
	id          string
	started     time.Time
	proc        *proc // one-shot only
	interrupted bool
	tail        []byte
	kill        *time.Timer
}

// Supervisor owns the agent executable.
type Supervisor struct {
	cfg        Config
	completion *regexp.Regexp
	logger     *logging.Logger
	events     chan Event

	mu      sync.Mutex
	state   State
	main    *proc
	current *run
}

// New creates an idle supervisor. Events must be drained by the caller.
func New(cfg Config, logger *logging.Logger) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.InterruptSignal == 0 {
		cfg.InterruptSignal = unix.SIGINT
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: logging.OrDefault(logger).WithComponent("supervisor"),
		events: make(chan Event, 1024),
		state:  StateIdle,
	}
	if cfg.CompletionPattern != "" {
		s.completion = regexp.MustCompile(cfg.CompletionPattern)
	}
	return s, nil
}

// Events returns the ordered event stream.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) emit(ev Event) { s.events <- ev }

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(Event{Kind: EventStatus, State: st})
}

// GetStatus returns the current state.
func (s *Supervisor) GetStatus() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetMetadata describes the process and the command in flight.
func (s *Supervisor) GetMetadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := Metadata{State: s.state, Capabilities: s.cfg.Capabilities}
	if s.current != nil {
		md.CommandID = s.current.id
		if s.current.proc != nil && s.current.proc.cmd.Process != nil {
			md.PID = s.current.proc.cmd.Process.Pid
		}
	}
	if s.main != nil && s.main.cmd.Process != nil {
		md.PID = s.main.cmd.Process.Pid
	}
	return md
}

// Start readies the supervisor. In interactive mode it spawns the
// long-lived process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start from %s", st)
	}
	s.state = StateStarting
	s.mu.Unlock()
	s.emit(Event{Kind: EventStatus, State: StateStarting})

	if !s.cfg.Interactive {
		s.setState(StateRunning)
		return nil
	}

	p, err := s.spawn(s.cfg.Args)
	if err != nil {
		s.setState(StateCrashed)
		return err
	}
	s.mu.Lock()
	s.main = p
	s.mu.Unlock()

	var readers sync.WaitGroup
	s.pump(p, &readers, "", true)
	go s.waitMain(p, &readers)

	s.logger.Info("agent process started", "pid", p.cmd.Process.Pid, "command", s.cfg.Command, "pty", p.tty != nil)
	s.setState(StateRunning)
	return nil
}

// spawn starts the executable with args on pipes or a pseudo-terminal.
func (s *Supervisor) spawn(args []string) (*proc, error) {
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	p := &proc{cmd: cmd, exit: make(chan struct{})}

	if s.cfg.PTY {
		// pty.Start puts the child in its own session, so its pid is
		// also its process group id.
		tty, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("pty start: %w", err)
		}
		p.tty = tty
		p.stdin = tty
		return p, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A nil cmd.Stdin is /dev/null, so a one-shot run reading stdin sees EOF.
	p.stdin = noInput{}
	if s.cfg.Interactive || s.cfg.ForwardInput {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		p.stdin = stdin
	}
	var err error
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	return p, nil
}

// pump starts one reader per output stream. A one-shot run tags output with
// its own id; the long-lived process tags it with whatever command is current.
func (s *Supervisor) pump(p *proc, wg *sync.WaitGroup, commandID string, shared bool) {
	read := func(r io.Reader, stream string) {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.output(commandID, shared, stream, append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}

	if p.tty != nil {
		wg.Add(1)
		go read(p.tty, Stdout)
		return
	}
	wg.Add(2)
	go read(p.stdout, Stdout)
	go read(p.stderr, Stderr)
}

// output forwards a chunk and, for the long-lived process, checks for the
// completion marker.
func (s *Supervisor) output(commandID string, shared bool, stream string, data []byte) {
	var done *run
	if shared {
		s.mu.Lock()
		if s.current != nil {
			commandID = s.current.id
			if s.completion != nil {
				r := s.current
				r.tail = append(r.tail, data...)
				if len(r.tail) > 8192 {
					r.tail = r.tail[len(r.tail)-8192:]
				}
				if s.completion.Match(r.tail) {
					done = r
					s.current = nil
				}
			}
		}
		s.mu.Unlock()
	}

	s.emit(Event{Kind: EventOutput, CommandID: commandID, Stream: stream, Data: data})
	if done != nil {
		s.emit(Event{Kind: EventComplete, CommandID: done.id, Duration: time.Since(done.started)})
	}
}

// ExecuteCommand runs one prompt. The ack event precedes any output of the
// command; the outcome event follows all of it.
func (s *Supervisor) ExecuteCommand(commandID, prompt string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	if s.current != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, s.current.id)
	}
	r := &run{id: commandID, started: time.Now()}
	s.current = r
	main := s.main
	// Emitted under the lock so no output can be tagged with the command first.
	s.emit(Event{Kind: EventAck, CommandID: commandID})
	s.mu.Unlock()

	s.logger.Info("executing command", "command", commandID, "interactive", s.cfg.Interactive)

	if s.cfg.Interactive {
		if _, err := io.WriteString(main.stdin, prompt+"\n"); err != nil {
			s.finishRun(r, Event{Kind: EventFailed, CommandID: commandID, Error: "write prompt: " + err.Error(), ExitCode: -1})
			return fmt.Errorf("%w: %v", ErrInputClosed, err)
		}
		return nil
	}

	p, err := s.spawn(append(append([]string(nil), s.cfg.Args...), prompt))
	if err != nil {
		s.finishRun(r, Event{Kind: EventFailed, CommandID: commandID, Error: err.Error(), ExitCode: -1})
		return err
	}

	s.mu.Lock()
	r.proc = p
	interrupted := r.interrupted
	s.mu.Unlock()
	if interrupted {
		s.signal(p, s.cfg.InterruptSignal)
		s.armKill(r, p)
	}

	var readers sync.WaitGroup
	s.pump(p, &readers, commandID, false)
	go s.waitRun(r, p, &readers)
	return nil
}

// finishRun clears r if it is still current and reports ev.
func (s *Supervisor) finishRun(r *run, ev Event) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	if r.kill != nil {
		r.kill.Stop()
	}
	s.mu.Unlock()
	ev.Duration = time.Since(r.started)
	s.emit(ev)
}

func (s *Supervisor) waitRun(r *run, p *proc, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	if p.tty != nil {
		p.tty.Close()
	}
	code := exitCode(err)

	s.mu.Lock()
	interrupted := r.interrupted
	s.mu.Unlock()

	ev := Event{CommandID: r.id, ExitCode: code}
	switch {
	case interrupted:
		ev.Kind = EventInterrupted
		ev.Error = "interrupted"
	case err == nil:
		ev.Kind = EventComplete
	default:
		ev.Kind = EventFailed
		ev.Error = err.Error()
	}
	s.logger.Info("command process exited", "command", r.id, "exit", code, "interrupted", interrupted)
	s.finishRun(r, ev)
	close(p.exit)
}

func (s *Supervisor) waitMain(p *proc, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	if p.tty != nil {
		p.tty.Close()
	}
	code := exitCode(err)

	s.mu.Lock()
	r := s.current
	s.current = nil
	final := StateCrashed
	if s.state == StateStopping || err == nil {
		final = StateStopped
	}
	s.state = final
	s.main = nil
	s.mu.Unlock()

	if r != nil {
		s.emit(Event{Kind: EventFailed, CommandID: r.id, Error: ReasonProcessExited, ExitCode: code, Duration: time.Since(r.started)})
	}
	s.logger.Info("agent process exited", "exit", code, "state", final)
	s.emit(Event{Kind: EventStatus, State: final, ExitCode: code})
	close(p.exit)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// signal delivers sig to the process group.
func (s *Supervisor) signal(p *proc, sig unix.Signal) {
	if p == nil || p.cmd.Process == nil {
		return
	}
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("signal process group", "pid", p.cmd.Process.Pid, "signal", sig, "error", err)
	}
}

// armKill escalates to SIGKILL when a one-shot process ignores the
// interrupt signal.
func (s *Supervisor) armKill(r *run, p *proc) {
	t := time.AfterFunc(s.cfg.StopTimeout, func() {
		select {
		case <-p.exit:
		default:
			s.logger.Warn("process ignored interrupt, killing", "command", r.id, "timeout", s.cfg.StopTimeout)
			s.signal(p, unix.SIGKILL)
		}
	})
	s.mu.Lock()
	r.kill = t
	s.mu.Unlock()
}

// Interrupt stops the command in flight. A one-shot process gets the
// interrupt signal and is killed after the stop timeout; the interrupted
// event follows its exit. The long-lived process is signalled and the
// command ends at once.
func (s *Supervisor) Interrupt() error {
	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return ErrNoCommand
	}
	r.interrupted = true
	p := r.proc
	main := s.main
	if s.cfg.Interactive {
		s.current = nil
	}
	s.mu.Unlock()

	s.logger.Info("interrupting command", "command", r.id, "signal", s.cfg.InterruptSignal)
	if s.cfg.Interactive {
		s.signal(main, s.cfg.InterruptSignal)
		s.emit(Event{Kind: EventInterrupted, CommandID: r.id, Error: "interrupted", Duration: time.Since(r.started)})
		return nil
	}
	if p != nil {
		s.signal(p, s.cfg.InterruptSignal)
		s.armKill(r, p)
	}
	return nil
}

// Stop ends the supervisor. A command in flight is killed; the long-lived
// process gets SIGTERM, then SIGKILL after the stop timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateCrashed, StateStopping:
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.state = StateStopped
		s.mu.Unlock()
		s.emit(Event{Kind: EventStatus, State: StateStopped})
		return nil
	}
	s.state = StateStopping
	r := s.current
	main := s.main
	var oneShot *proc
	if r != nil && r.proc != nil {
		r.interrupted = true
		oneShot = r.proc
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventStatus, State: StateStopping})

	if oneShot != nil {
		s.signal(oneShot, unix.SIGKILL)
		select {
		case <-oneShot.exit:
		case <-ctx.Done():
		}
	}

	if main == nil {
		s.setState(StateStopped)
		return ctx.Err()
	}

	if main.tty == nil {
		main.stdin.Close()
	}
	s.signal(main, unix.SIGTERM)
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-main.exit:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.signal(main, unix.SIGKILL)
	<-main.exit
	return ctx.Err()
}

// Input writes raw bytes to the process input.
func (s *Supervisor) Input(data []byte) error {
	s.mu.Lock()
	p := s.main
	if p == nil && s.current != nil {
		p = s.current.proc
	}
	s.mu.Unlock()
	if p == nil {
		return ErrNoCommand
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInputClosed, err)
	}
	return nil
}

// Resize sets the terminal window size.
func (s *Supervisor) Resize(cols, rows uint16) error {
	s.mu.Lock()
	p := s.main
	if p == nil && s.current != nil {
		p = s.current.proc
	}
	s.mu.Unlock()
	if p == nil || p.tty == nil {
		return ErrNoTerminal
	}
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}
