package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	parser, err := kong.New(&cli,
		kong.Name("btinspect"),
		kong.Writers(&out, &out),
		kong.Exit(func(int) { t.Fatalf("unexpected exit for %v", args) }),
	)
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	err = ctx.Run(&cli.Globals)
	return out.String(), err
}

func TestPutDumpInfo(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")

	out, err := run(t, "put", path, "1", "b", "two", "--create")
	require.NoError(t, err)
	assert.Equal(t, "created table 1\n", out)

	_, err = run(t, "put", path, "1", "a", "one")
	require.NoError(t, err)

	out, err = run(t, "dump", path, "1")
	require.NoError(t, err)
	assert.Equal(t, "\"a\"\t\"one\"\n\"b\"\t\"two\"\n", out)

	out, err = run(t, "dump", "--hex", path, "1")
	require.NoError(t, err)
	assert.Equal(t, "61\t6f6e65\n62\t74776f\n", out)

	out, err = run(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "pages:    2\n")
	assert.Contains(t, out, "tables:   [1]\n")
}

func TestPutUnknownTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	_, err := run(t, "put", path, "7", "k", "v")
	assert.ErrorContains(t, err, "table 7")

	_, err = run(t, "dump", path, "7")
	assert.ErrorContains(t, err, "table not found")
}
