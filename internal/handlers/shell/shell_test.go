package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskx/internal/domain"
)

func TestExec(t *testing.T) {
	res, err := Exec(context.Background(), Cmd{Command: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output)
	assert.Zero(t, res.ExitCode)
}

func TestExec_Failure(t *testing.T) {
	_, err := Exec(context.Background(), Cmd{Command: "sh", Args: []string{"-c", "echo bad; exit 3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out=bad")

	_, err = Exec(context.Background(), Cmd{})
	assert.EqualError(t, err, "command is required")
}

func TestRun_DecodesKeywordArguments(t *testing.T) {
	out, err := Run(context.Background(), domain.Payload{"command": "echo", "args": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Output: "a b"}, out)
}
