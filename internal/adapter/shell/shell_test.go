package shell

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/Strob0t/squire/internal/execpool"
)

func TestExitError_Message(t *testing.T) {
	err := &ExitError{Cmd: "docker stop", Code: 1, Stderr: "Error: No such container: abc\n"}
	if got := err.Error(); got != "docker stop: exit status 1: Error: No such container: abc" {
		t.Errorf("unexpected message %q", got)
	}
	if got := (&ExitError{Cmd: "kubectl get", Code: 2}).Error(); got != "kubectl get: exit status 2" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestStderrContains(t *testing.T) {
	err := &ExitError{Cmd: "docker stop", Code: 1, Stderr: "Error: No such container: abc"}
	if !StderrContains(err, "no such container") {
		t.Error("expected case-insensitive match")
	}
	if StderrContains(err, "permission denied") {
		t.Error("unexpected match")
	}
	if StderrContains(errors.New("No such container"), "no such container") {
		t.Error("plain errors must not match")
	}
}

func TestExecRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(execpool.New(2))

	out, err := r.Run(context.Background(), strings.NewReader("hello"), "sh", "-c", "cat")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("expected stdin echoed, got %q", out)
	}

	_, err = r.Run(context.Background(), nil, "sh", "-c", "echo nope >&2; exit 3")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if ee.Code != 3 || !strings.Contains(ee.Stderr, "nope") {
		t.Errorf("unexpected exit error: %+v", ee)
	}
}

func TestExecRunner_Combined(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(nil)

	out, err := r.Combined(context.Background(), "sh", "-c", "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("Combined: %v", err)
	}
	if !strings.Contains(string(out), "out") || !strings.Contains(string(out), "err") {
		t.Errorf("expected both streams, got %q", out)
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), nil, "squire-definitely-not-a-binary")
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		t.Fatal("missing binary is not an exit error")
	}
}
