package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/pack"
	"github.com/membank/membank/internal/storage"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 1, ExitCode(pack.ErrInvalidBudget))
	assert.Equal(t, 1, ExitCode(storage.ErrSessionNotFound))

	assert.Equal(t, 2, ExitCode(oracle.ErrUnreachable))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("search: %w", oracle.ErrTimeout)))
	assert.Equal(t, 2, ExitCode(fmt.Errorf("build: %w", oracle.ErrModelMissing)))

	assert.Equal(t, 7, ExitCode(&exitCodeError{code: 7}))
}

func TestSnippetTruncates(t *testing.T) {
	assert.Equal(t, "short", snippet("short"))
	long := ""
	for i := 0; i < 30; i++ {
		long += "0123456789"
	}
	out := snippet(long)
	assert.Less(t, len(out), len(long))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"init", "hooks", "import", "sessions", "delete", "run", "search", "graph", "pack", "migrate", "reindex", "projects"}
	have := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "command %s not registered", name)
	}
}
