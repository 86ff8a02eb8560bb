package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/and161185/mdmkeeper/internal/rpc"
)

func Test_confirmer_Answers(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ask := confirmer(strings.NewReader("y\nno\n YES \n\n"), &out)
	p := func(id string) rpc.ConfirmPrompt {
		return rpc.ConfirmPrompt{DeviceID: id, Action: "wipe", Text: "Do you want to wipe the device with ID: " + id + "?"}
	}

	want := []bool{true, false, true, false}
	for i, w := range want {
		if got := ask(p(string(rune('a' + i)))); got != w {
			t.Fatalf("answer %d = %v, want %v", i, got, w)
		}
	}
	if !strings.Contains(out.String(), "Do you want to wipe the device with ID: a? [y/N]: ") {
		t.Fatalf("prompt not printed: %q", out.String())
	}
}

func Test_confirmer_EOFDeclinesRest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ask := confirmer(strings.NewReader("y"), &out)
	if !ask(rpc.ConfirmPrompt{DeviceID: "a", Text: "a?"}) {
		t.Fatalf("unterminated last line should still be read")
	}
	if ask(rpc.ConfirmPrompt{DeviceID: "b", Text: "b?"}) {
		t.Fatalf("after EOF every prompt is declined")
	}
	if strings.Contains(out.String(), "b?") {
		t.Fatalf("no prompt expected after EOF: %q", out.String())
	}
}

func Test_printDevices_FillsMissing(t *testing.T) {
	t.Parallel()

	sync := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printDevices(&out, []rpc.Device{
		{ID: "d1", DeviceName: "Laptop1", Model: "XPS", LastSyncDateTime: &sync},
		{ID: "d2"},
	})
	s := out.String()
	for _, want := range []string{"DEVICE NAME", "Laptop1", "XPS", "d1", "d2", "N/A", "2 device(s)"} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}

func Test_printBatch_CountsFailures(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	failed := printBatch(&out, rpc.BatchResult{
		BatchID: "b1",
		Outcomes: []rpc.Outcome{
			{DeviceID: "d1", Action: "wipe", Success: true, StatusCode: 204},
			{DeviceID: "d2", Action: "wipe", StatusCode: 403, Message: "Forbidden"},
		},
		Error: "context canceled",
	})
	if failed != 1 {
		t.Fatalf("failed=%d, want 1", failed)
	}
	s := out.String()
	for _, want := range []string{"403 Forbidden", "1 succeeded, 1 failed", "interrupted: context canceled"} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}

func Test_printHistory(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printHistory(&out, []rpc.HistoryRecord{{
		BatchID:    "b1",
		Operator:   "alice",
		RecordedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Outcome:    rpc.Outcome{DeviceID: "d2", Action: "retire", Message: "Not found"},
	}})
	s := out.String()
	for _, want := range []string{"alice", "retire", "d2", "FAILED: Not found", "b1"} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}
}
