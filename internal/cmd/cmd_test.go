package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-dev/orchestra/internal/mcp"
)

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"env=prod", "replicas=3", "dryRun=true", "note=hello world"})
	require.NoError(t, err)

	assert.Equal(t, "prod", inputs["env"])
	assert.Equal(t, uint64(3), inputs["replicas"])
	assert.Equal(t, true, inputs["dryRun"])
	assert.Equal(t, "hello world", inputs["note"])

	_, err = parseInputs([]string{"missing-separator"})
	require.Error(t, err)

	inputs, err = parseInputs(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)
}

func TestLoadServerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "files.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: srv-files
name: file tools
transport:
  type: stdio
  command: mcp-files
  args: [--root, /srv]
autoConnect: true
`), 0o600))

	server, err := loadServerFile(path)
	require.NoError(t, err)
	assert.Equal(t, "srv-files", server.ID)
	assert.Equal(t, mcp.TransportStdio, server.Transport.Type)
	assert.Equal(t, []string{"--root", "/srv"}, server.Transport.Args)
	assert.True(t, server.AutoConnect)
}

func TestLoadServerFileRequiresID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: nameless\ntransport: {type: stdio, command: x}\n"), 0o600))

	_, err := loadServerFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: wf-cli
nodes:
  - id: a
    type: tool
    config: {command: "true"}
`), 0o600))

	cmd := CmdValidate()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wf-cli is valid (1 nodes)")
}
