package proc

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestPipelineSingleStage(t *testing.T) {
	var out bytes.Buffer
	p := NewPipeline(context.Background(), []Stage{
		{Name: "echo", Argv: []string{"sh", "-c", "echo hello"}, Stdout: &out},
	})
	results, err := p.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ExitCode != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestPipelineTwoStages(t *testing.T) {
	var out bytes.Buffer
	p := NewPipeline(context.Background(), []Stage{
		{Name: "producer", Argv: []string{"sh", "-c", "printf 'a\\nb\\nc\\n'"}},
		{Name: "consumer", Argv: []string{"sh", "-c", "wc -l"}, Stdout: &out},
	})
	results, err := p.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range results {
		if r.ExitCode != 0 {
			t.Fatalf("stage %s exited %d: %s", r.Name, r.ExitCode, r.Stderr)
		}
	}
	if strings.TrimSpace(out.String()) != "3" {
		t.Fatalf("unexpected line count: %q", out.String())
	}
}

func TestPipelineFirstStageErrorIsCanonical(t *testing.T) {
	p := NewPipeline(context.Background(), []Stage{
		{Name: "failing", Argv: []string{"sh", "-c", "echo boom 1>&2; exit 3"}},
		{Name: "downstream", Argv: []string{"sh", "-c", "cat >/dev/null"}},
	})
	_, err := p.Run()
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *PipelineError
	if !errorsAs(err, &pe) {
		t.Fatalf("expected *PipelineError, got %T: %v", err, err)
	}
	if pe.Stage != "failing" {
		t.Fatalf("expected first failing stage reported, got %q", pe.Stage)
	}
	if pe.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", pe.ExitCode)
	}
	if !strings.Contains(pe.Stderr, "boom") {
		t.Fatalf("expected stderr captured, got %q", pe.Stderr)
	}
}

func errorsAs(err error, target **PipelineError) bool {
	pe, ok := err.(*PipelineError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
