package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_BlockTakesPrecedence(t *testing.T) {
	e := New()
	p := Patterns{
		Block:   []string{"fs:write_file"},
		Confirm: []string{"fs:write_file"},
		Allow:   []string{"*:*"},
	}
	res, err := e.Evaluate(context.Background(), p, Context{ServerKey: "fs", ToolName: "write_file"})
	require.NoError(t, err)
	require.Equal(t, Block, res.Decision)
}

func TestEvaluate_DenyByDefault(t *testing.T) {
	e := New()
	res, err := e.Evaluate(context.Background(), Patterns{}, Context{ServerKey: "fs", ToolName: "read_file"})
	require.NoError(t, err)
	require.Equal(t, Block, res.Decision)
	require.Contains(t, res.Reason, "not in the allow list")
}

func TestEvaluate_ConfirmFlow(t *testing.T) {
	e := New()
	p := Patterns{Confirm: []string{"fs:write_file"}, Allow: []string{"*:*"}}
	ctx := context.Background()

	first, err := e.Evaluate(ctx, p, Context{ServerKey: "fs", ToolName: "write_file"})
	require.NoError(t, err)
	require.Equal(t, Confirm, first.Decision)
	require.Len(t, first.Token, 64)

	second, err := e.Evaluate(ctx, p, Context{ServerKey: "fs", ToolName: "write_file", ConfirmationToken: first.Token})
	require.NoError(t, err)
	require.Equal(t, Allow, second.Decision)

	// token is single-use: presenting it again mints a new confirm request
	third, err := e.Evaluate(ctx, p, Context{ServerKey: "fs", ToolName: "write_file", ConfirmationToken: first.Token})
	require.NoError(t, err)
	require.Equal(t, Confirm, third.Decision)
	require.NotEqual(t, first.Token, third.Token)
}

func TestEvaluate_AllowMatch(t *testing.T) {
	e := New()
	p := Patterns{Allow: []string{"fs:*"}}
	res, err := e.Evaluate(context.Background(), p, Context{ServerKey: "fs", ToolName: "read_file"})
	require.NoError(t, err)
	require.Equal(t, Allow, res.Decision)
}

func TestMalformedPatternNeverMatches(t *testing.T) {
	e := New()
	p := Patterns{Allow: []string{"fs:read_file:extra", "nocolon"}}
	res, err := e.Evaluate(context.Background(), p, Context{ServerKey: "fs", ToolName: "read_file"})
	require.NoError(t, err)
	require.Equal(t, Block, res.Decision)
}

func TestGetToolVisibility(t *testing.T) {
	p := Patterns{
		Block:   []string{"a:secret"},
		Confirm: []string{"a:risky"},
		Allow:   []string{"a:*"},
	}
	e := New()
	require.Equal(t, Visibility{Visible: false}, e.GetToolVisibility(p, "a", "secret"))
	require.Equal(t, Visibility{Visible: true, RequiresConfirmation: true}, e.GetToolVisibility(p, "a", "risky"))
	require.Equal(t, Visibility{Visible: true}, e.GetToolVisibility(p, "a", "read"))
	require.Equal(t, Visibility{Visible: false}, e.GetToolVisibility(p, "b", "anything"))
}

func TestValidateConfirmationToken_WrongToolNeverValidates(t *testing.T) {
	e := New()
	ctx := context.Background()
	token, err := e.CreateConfirmationToken(ctx, "fs", "write_file")
	require.NoError(t, err)

	ok, err := e.ValidateConfirmationToken(ctx, token, "fs", "delete_file")
	require.NoError(t, err)
	require.False(t, ok)

	// original pair still validates since the mismatch did not consume it
	ok, err = e.ValidateConfirmationToken(ctx, token, "fs", "write_file")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateConfirmationToken_ExpiresAfterTTL(t *testing.T) {
	e := New()
	ctx := context.Background()
	token, err := e.CreateConfirmationToken(ctx, "fs", "write_file")
	require.NoError(t, err)

	entry, ok, err := e.store.Get(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	entry.CreatedAt = entry.CreatedAt.Add(-TokenTTL - time.Minute)
	require.NoError(t, e.store.Put(ctx, token, entry, TokenTTL))

	ok, err = e.ValidateConfirmationToken(ctx, token, "fs", "write_file")
	require.NoError(t, err)
	require.False(t, ok)
}
