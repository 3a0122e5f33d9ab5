package supervisor

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/foreman/internal/config"
)

// collect reads events until one satisfies stop or the timeout passes.
func collect(t *testing.T, s *Supervisor, stop func(Event) bool) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; got %+v", out)
		}
	}
}

func outcome(id string) func(Event) bool {
	return func(ev Event) bool {
		return ev.CommandID == id && (ev.Kind == EventComplete || ev.Kind == EventFailed || ev.Kind == EventInterrupted)
	}
}

func state(st State) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == EventStatus && ev.State == st }
}

func output(evs []Event, stream string) string {
	var b bytes.Buffer
	for _, ev := range evs {
		if ev.Kind == EventOutput && ev.Stream == stream {
			b.Write(ev.Data)
		}
	}
	return b.String()
}

func kinds(evs []Event) []EventKind {
	var out []EventKind
	for _, ev := range evs {
		if ev.Kind != EventOutput && ev.Kind != EventStatus {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func oneShot(t *testing.T, script string) *Supervisor {
	t.Helper()
	s, err := New(Config{Command: "/bin/sh", Args: []string{"-c", script}, StopTimeout: time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	collect(t, s, state(StateRunning))
	return s
}

func TestOneShot_Complete(t *testing.T) {
	s := oneShot(t, `echo "$0"`)
	require.NoError(t, s.ExecuteCommand("c1", "hi"))

	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, []EventKind{EventAck, EventComplete}, kinds(evs))
	assert.Equal(t, EventAck, evs[0].Kind, "ack precedes output")
	assert.Equal(t, "hi\n", output(evs, Stdout))
	for _, ev := range evs {
		assert.Equal(t, "c1", ev.CommandID)
	}
	assert.Equal(t, StateRunning, s.GetStatus())
	assert.Empty(t, s.GetMetadata().CommandID)
}

func TestOneShot_StdinIsEmpty(t *testing.T) {
	s := oneShot(t, `cat; echo "done $0"`)
	require.NoError(t, s.ExecuteCommand("c1", "hi"))

	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, EventComplete, evs[len(evs)-1].Kind)
	assert.Equal(t, "done hi\n", output(evs, Stdout))
}

func TestOneShot_ForwardInput(t *testing.T) {
	s, err := New(Config{
		Command:      "/bin/sh",
		Args:         []string{"-c", `read line; echo "got $line"`},
		ForwardInput: true,
		StopTimeout:  time.Second,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	collect(t, s, state(StateRunning))

	require.NoError(t, s.ExecuteCommand("c1", ""))
	require.NoError(t, s.Input([]byte("abc\n")))
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, "got abc\n", output(evs, Stdout))
}

func TestOneShot_InputWithoutForwarding(t *testing.T) {
	s := oneShot(t, `exec sleep 5`)
	require.NoError(t, s.ExecuteCommand("c1", ""))
	assert.ErrorIs(t, s.Input([]byte("x")), ErrInputClosed)

	require.NoError(t, s.Interrupt())
	collect(t, s, outcome("c1"))
}

func TestOneShot_Failure(t *testing.T) {
	s := oneShot(t, `echo "bad: $0" >&2; exit 3`)
	require.NoError(t, s.ExecuteCommand("c1", "input"))

	evs := collect(t, s, outcome("c1"))
	last := evs[len(evs)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, 3, last.ExitCode)
	assert.Equal(t, "bad: input\n", output(evs, Stderr))
}

func TestOneShot_Busy(t *testing.T) {
	s := oneShot(t, `exec sleep 5`)
	require.NoError(t, s.ExecuteCommand("c1", ""))
	assert.ErrorIs(t, s.ExecuteCommand("c2", ""), ErrBusy)

	require.NoError(t, s.Interrupt())
	collect(t, s, outcome("c1"))
}

func TestOneShot_Interrupt(t *testing.T) {
	s := oneShot(t, `exec sleep 30`)
	require.NoError(t, s.ExecuteCommand("c1", ""))
	collect(t, s, func(ev Event) bool { return ev.Kind == EventAck })

	start := time.Now()
	require.NoError(t, s.Interrupt())
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, EventInterrupted, evs[len(evs)-1].Kind)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.ErrorIs(t, s.Interrupt(), ErrNoCommand)
}

func TestOneShot_InterruptEscalates(t *testing.T) {
	s := oneShot(t, `trap '' INT; while :; do sleep 0.1; done`)
	require.NoError(t, s.ExecuteCommand("c1", ""))
	collect(t, s, func(ev Event) bool { return ev.Kind == EventAck })

	require.NoError(t, s.Interrupt())
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, EventInterrupted, evs[len(evs)-1].Kind)
}

func TestOneShot_StartErrors(t *testing.T) {
	s, err := New(Config{Command: "/nonexistent/agent"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ExecuteCommand("c1", "x"), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.ExecuteCommand("c1", "x"))
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, EventFailed, evs[len(evs)-1].Kind)
}

func TestOneShot_Stop(t *testing.T) {
	s := oneShot(t, `exec sleep 30`)
	require.NoError(t, s.ExecuteCommand("c1", ""))

	require.NoError(t, s.Stop(context.Background()))
	evs := collect(t, s, state(StateStopped))
	assert.Contains(t, kinds(evs), EventInterrupted)
	assert.Equal(t, StateStopped, s.GetStatus())
}

func interactive(t *testing.T, script string) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Command:           "/bin/sh",
		Args:              []string{"-c", script},
		Interactive:       true,
		CompletionPattern: `(?m)^DONE$`,
		StopTimeout:       time.Second,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	collect(t, s, state(StateRunning))
	return s
}

func TestInteractive_CompletionPattern(t *testing.T) {
	s := interactive(t, `while read line; do echo "got $line"; echo DONE; done`)
	assert.NotZero(t, s.GetMetadata().PID)

	require.NoError(t, s.ExecuteCommand("c1", "hello"))
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, []EventKind{EventAck, EventComplete}, kinds(evs))
	assert.Contains(t, output(evs, Stdout), "got hello")

	require.NoError(t, s.ExecuteCommand("c2", "again"))
	evs = collect(t, s, outcome("c2"))
	assert.Contains(t, output(evs, Stdout), "got again")

	require.NoError(t, s.Stop(context.Background()))
	collect(t, s, state(StateStopped))
	assert.Equal(t, StateStopped, s.GetStatus())
}

func TestInteractive_CrashFailsCommand(t *testing.T) {
	s := interactive(t, `read line; exit 7`)

	require.NoError(t, s.ExecuteCommand("c1", "boom"))
	evs := collect(t, s, state(StateCrashed))

	var failed *Event
	statuses := 0
	for i := range evs {
		if evs[i].Kind == EventFailed {
			failed = &evs[i]
		}
		if evs[i].Kind == EventStatus {
			statuses++
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, ReasonProcessExited, failed.Error)
	assert.Equal(t, 7, failed.ExitCode)
	assert.Equal(t, 1, statuses, "exactly one terminal status")
	assert.ErrorIs(t, s.ExecuteCommand("c2", "x"), ErrNotRunning)
}

func TestResize_NoTerminal(t *testing.T) {
	s := interactive(t, `while read line; do echo DONE; done`)
	defer s.Stop(context.Background())
	assert.ErrorIs(t, s.Resize(80, 24), ErrNoTerminal)
}

func TestPTY_OneShot(t *testing.T) {
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no pseudo-terminal support")
	}
	s, err := New(Config{Command: "/bin/sh", Args: []string{"-c", `echo "tty: $0"`}, PTY: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.ExecuteCommand("c1", "yes"))
	evs := collect(t, s, outcome("c1"))
	assert.Equal(t, EventComplete, evs[len(evs)-1].Kind)
	assert.Contains(t, output(evs, Stdout), "tty: yes")
}

func TestConfigFrom(t *testing.T) {
	c, err := ConfigFrom(&config.AgentConfig{Command: "claude", InterruptSignal: "sigterm", StopTimeout: "2s"})
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, c.InterruptSignal)
	assert.Equal(t, 2*time.Second, c.StopTimeout)

	_, err = ConfigFrom(&config.AgentConfig{Command: "claude", InterruptSignal: "SIGNOPE"})
	assert.Error(t, err)

	_, err = ConfigFrom(&config.AgentConfig{Command: "claude", Interactive: true})
	assert.Error(t, err)

	_, err = ConfigFrom(&config.AgentConfig{})
	assert.Error(t, err)

	c, err = ConfigFrom(&config.AgentConfig{Command: "claude", ForwardInput: true})
	require.NoError(t, err)
	assert.True(t, c.ForwardInput)
}
