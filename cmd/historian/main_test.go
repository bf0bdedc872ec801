package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "historian v"+version+"\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--role", "gateway"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestServeProxyNeedsCatalog(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--role", "proxy", "--proxy-stores", "north=http://localhost:1"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}
