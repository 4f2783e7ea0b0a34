package launcher

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo hello"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitNotError(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "exit 3"}, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestRunStdin(t *testing.T) {
	res, err := Run(context.Background(), []string{"cat"}, Options{Stdin: "hi there"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hi there" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestEnvFromInherit(t *testing.T) {
	t.Setenv("JUSTMR_TEST_INHERIT", "ambient")
	env := EnvFromInherit(map[string]string{"X": "1"}, []string{"JUSTMR_TEST_INHERIT", "JUSTMR_TEST_MISSING"})
	got := map[string]bool{}
	for _, kv := range env {
		got[kv] = true
	}
	if !got["JUSTMR_TEST_INHERIT=ambient"] {
		t.Fatalf("env = %v, missing inherited var", env)
	}
	if !got["X=1"] {
		t.Fatalf("env = %v, missing base var", env)
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "JUSTMR_TEST_MISSING=") {
			t.Fatalf("leaked unset var: %v", env)
		}
	}
}
