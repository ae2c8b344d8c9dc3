package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/claworc/ide/internal/tunnel"
)

// detachKey is Ctrl-], as in telnet.
const detachKey = 0x1d

var errDetached = errors.New("detached")

func newAttachCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Attach the local terminal to the session's shell (Ctrl-] to detach)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := root.workspace(cmd)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, cancel := signalContext(cmd)
			defer cancel()

			closed := make(chan tunnel.SystemEvent, 1)
			stopClose := tunnel.Handle(w.Mux, tunnel.ChannelSystem, tunnel.TypeSystemClose, func(ev tunnel.SystemEvent) {
				select {
				case closed <- ev:
				default:
				}
			})
			defer stopClose()

			if err := w.Open(ctx); err != nil {
				return err
			}

			restore, err := makeStdinRaw()
			if err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}
			defer restore()

			resize(w.Console)

			sigCh := make(chan os.Signal, 4)
			signal.Notify(sigCh, syscall.SIGWINCH)
			defer signal.Stop(sigCh)
			go func() {
				for range sigCh {
					resize(w.Console)
				}
			}()

			inputDone := make(chan error, 1)
			go func() {
				_, err := io.Copy(w.Console, &detachReader{r: os.Stdin})
				inputDone <- err
			}()

			var result error
			select {
			case <-ctx.Done():
			case err := <-inputDone:
				if err != nil && !errors.Is(err, errDetached) && !errors.Is(err, tunnel.ErrNotConnected) {
					result = err
				}
			case ev := <-closed:
				if ev.Message != "" {
					result = fmt.Errorf("connection closed: %s", ev.Message)
				}
			}

			restore()
			if cwd := w.Console.Cwd(); cwd != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "\r\ndetached (cwd %s)\r\n", cwd)
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "\r\ndetached\r\n")
			}
			return result
		},
	}
}

// detachReader passes input through until the detach key is read.
type detachReader struct {
	r    io.Reader
	done bool
}

func (d *detachReader) Read(p []byte) (int, error) {
	if d.done {
		return 0, errDetached
	}
	n, err := d.r.Read(p)
	if i := bytes.IndexByte(p[:n], detachKey); i >= 0 {
		d.done = true
		if i == 0 {
			return 0, errDetached
		}
		return i, nil
	}
	return n, err
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	restored := false
	return func() {
		if !restored {
			restored = true
			_ = term.Restore(fd, oldState)
		}
	}, nil
}

type resizer interface {
	Resize(cols, rows uint16) error
}

// resize sends the local terminal size to the remote shell.
func resize(r resizer) {
	cols, rows := termSize()
	if err := r.Resize(uint16(cols), uint16(rows)); err != nil {
		log.Printf("[terminal] resize to %dx%d: %v", cols, rows, err)
	}
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}
