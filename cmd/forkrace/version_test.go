// version_test.go tests the 'forkrace version' command.
package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
}

func TestRootCmdHasVersionSubcommand(t *testing.T) {
	root := newRootCmd()
	for _, c := range root.Commands() {
		if c.Name() == "version" {
			return
		}
	}
	t.Errorf("root command is missing the 'version' subcommand")
}

func TestRootCmdUse(t *testing.T) {
	root := newRootCmd()
	if !strings.HasPrefix(root.Use, "forkrace") {
		t.Errorf("root command Use = %q, want prefix %q", root.Use, "forkrace")
	}
}
