package cli

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/storage"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a command and capture its output as a session",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	RootCmd.AddCommand(cmd)
}

// runRun executes the child with its output teed into the session event
// log. Capture failures never break the child; its exit code is
// recorded on finalize and propagated.
func runRun(cmd *cobra.Command, args []string) error {
	st, log, err := openStore()
	if err != nil {
		return err
	}

	cwd, _ := os.Getwd()
	meta, err := st.CreateSession(storage.CreateSessionParams{
		Command:      args,
		Cwd:          cwd,
		Source:       model.SessionPTY,
		CreateEvents: true,
	})
	if err != nil {
		return err
	}

	child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
	child.Stdin = os.Stdin
	stdout, err := child.StdoutPipe()
	if err != nil {
		return err
	}
	child.Stderr = child.Stdout

	if err := child.Start(); err != nil {
		st.FinalizeSession(meta.ID, 127, 0)
		return err
	}

	reader := bufio.NewReader(stdout)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
			if err := st.AppendEvent(meta.ID, "out", string(buf[:n]), 0); err != nil {
				log.Warn("event capture failed", "err", err)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warn("output capture stopped", "err", readErr)
			}
			break
		}
	}

	exitCode := 0
	if err := child.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if err := st.FinalizeSession(meta.ID, exitCode, 0); err != nil {
		log.Warn("finalize failed", "session", meta.ID, "err", err)
	}
	printf(cmd, "\nCaptured session %s (exit %d)\n", meta.ID, exitCode)
	if exitCode != 0 {
		return &exitCodeError{code: exitCode}
	}
	return nil
}

// exitCodeError propagates the child's exit code through main.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string { return "command failed" }
func (e *exitCodeError) ExitCode() int { return e.code }
