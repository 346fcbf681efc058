package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParseIDs(t *testing.T) {
	id := uuid.New()
	ids, err := parseIDs([]string{" " + id.String() + " "})
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("unexpected parse result: %v %v", ids, err)
	}
	if _, err := parseIDs([]string{id.String(), "nope"}); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected error naming the bad id, got %v", err)
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"migrate"}, {"settle", "run"}, {"settle", "ids"}, {"commission", "set"}, {"commission", "list"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("expected command %v, got %v (%v)", path, cmd, err)
		}
	}
}

func TestSettleIDsRequiresArguments(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"settle", "ids"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected an argument error")
	}
}

func TestCommissionSetRejectsBadRate(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"commission", "set", "ten percent"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid rate") {
		t.Fatalf("expected invalid rate error, got %v", err)
	}
}
