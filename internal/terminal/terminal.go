// Package terminal connects a local terminal to an agent process.
//
// Raw keystrokes and structural controls travel separately: bytes go to
// Input, while the interrupt keystroke and window size changes become
// Interrupt and Resize calls. The same Controller is driven by the network
// (TERMINAL_INPUT, TERMINAL_RESIZE, COMMAND_INTERRUPT), so a local Ctrl-C and
// a remote interrupt take the same path.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"grimm.is/foreman/internal/logging"
)

// KeyInterrupt is Ctrl-C.
const KeyInterrupt byte = 0x03

// Controller accepts raw input and structural controls.
type Controller interface {
	Input(data []byte) error
	Interrupt() error
	Resize(cols, rows uint16) error
}

// Passthrough feeds a local terminal into a Controller.
type Passthrough struct {
	ctrl   Controller
	key    byte
	logger *logging.Logger
}

// New creates a passthrough. A zero key means Ctrl-C.
func New(ctrl Controller, key byte, logger *logging.Logger) *Passthrough {
	if key == 0 {
		key = KeyInterrupt
	}
	return &Passthrough{
		ctrl:   ctrl,
		key:    key,
		logger: logging.OrDefault(logger).WithComponent("terminal"),
	}
}

// Feed forwards data, turning each interrupt keystroke into Interrupt.
func (p *Passthrough) Feed(data []byte) error {
	var errs []error
	for len(data) > 0 {
		i := bytes.IndexByte(data, p.key)
		if i < 0 {
			errs = append(errs, p.ctrl.Input(data))
			break
		}
		if i > 0 {
			errs = append(errs, p.ctrl.Input(data[:i]))
		}
		errs = append(errs, p.ctrl.Interrupt())
		data = data[i+1:]
	}
	return errors.Join(errs...)
}

// Copy feeds r until EOF or ctx ends. Controller errors are logged, not
// fatal.
func (p *Passthrough) Copy(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := p.Feed(buf[:n]); ferr != nil {
				p.logger.Debug("terminal input", "error", ferr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Attach puts in into raw mode, mirrors its window size to the controller
// and copies keystrokes until ctx ends or input closes. A non-terminal input
// is copied as is.
func (p *Passthrough) Attach(ctx context.Context, in *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return p.Copy(ctx, in)
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, old)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	p.syncSize(fd)
	go func() {
		for {
			select {
			case <-winch:
				p.syncSize(fd)
			case <-ctx.Done():
				return
			}
		}
	}()

	return p.Copy(ctx, in)
}

func (p *Passthrough) syncSize(fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	if err := p.ctrl.Resize(uint16(cols), uint16(rows)); err != nil {
		p.logger.Debug("terminal resize", "error", err)
	}
}
