package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gocm/internal/messaging"
	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/internal/record"
)

const testPubkey = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestFormatEvent(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	runID := "0123456789abcdef"

	tests := []struct {
		name  string
		event miner.Event
		want  string
	}{
		{
			name:  "heartbeat",
			event: miner.Event{Status: miner.Status{Kind: miner.StatusHeartbeat, RunID: runID, WorkerIndex: 1, Iterations: 5000, Time: at}, Hashrate: 2500.4, BestWork: 9},
			want:  "07:08:09 01234567 heartbeat worker=1 iterations=5000 hashrate=2500H/s best=9",
		},
		{
			name:  "newhigh",
			event: miner.Event{Status: miner.Status{Kind: miner.StatusNewHigh, RunID: runID, NonceHex: "2a", Work: 7, Time: at}},
			want:  "07:08:09 01234567 newhigh   worker=0 nonce=2a work=7",
		},
		{
			name:  "complete",
			event: miner.Event{Status: miner.Status{Kind: miner.StatusComplete, RunID: "short", NonceHex: "ff", Work: 12, Digest: []byte{0, 0x0f}, Time: at}},
			want:  "07:08:09 short complete  worker=0 nonce=ff work=12 digest=000f",
		},
		{
			name:  "error",
			event: miner.Event{Status: miner.Status{Kind: miner.StatusError, RunID: runID, WorkerIndex: 3, Message: "bad job", Time: at}},
			want:  `07:08:09 01234567 error     worker=3 error="bad job"`,
		},
		{
			name:  "exhausted",
			event: miner.Event{Status: miner.Status{Kind: miner.StatusExhausted, RunID: runID, Iterations: 64, Time: at}},
			want:  "07:08:09 01234567 exhausted worker=0 iterations=64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEvent(tt.event); got != tt.want {
				t.Errorf("formatEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusPrinter(t *testing.T) {
	encode := func(e miner.Event) *structpb.Struct {
		s, err := messaging.StatusToProto(e)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	var out bytes.Buffer
	p := &statusPrinter{w: &out, runID: "keep", quiet: true}
	ctx := context.Background()

	events := []miner.Event{
		{Status: miner.Status{Kind: miner.StatusNewHigh, RunID: "keep", Work: 3}},
		{Status: miner.Status{Kind: miner.StatusNewHigh, RunID: "other", Work: 4}},
		{Status: miner.Status{Kind: miner.StatusHeartbeat, RunID: "keep"}},
		{Status: miner.Status{Kind: miner.StatusStopped, RunID: "keep"}},
	}
	for _, e := range events {
		if err := p.HandleMessage(ctx, e.RunID, encode(e)); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "newhigh") || !strings.Contains(lines[1], "stopped") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	if err := p.HandleMessage(ctx, "", &structpb.Struct{}); err == nil {
		t.Error("HandleMessage() without kind should fail")
	}
}

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	if err := writeJSON(&out, map[string]int{"best_work": 12}); err != nil {
		t.Fatalf("writeJSON() error = %v", err)
	}
	if want := "{\n  \"best_work\": 12\n}\n"; out.String() != want {
		t.Errorf("writeJSON() = %q, want %q", out.String(), want)
	}

	if err := writeJSON(&out, make(chan int)); err == nil {
		t.Error("writeJSON() with an unsupported value should fail")
	}
}

func TestVerifyRecord(t *testing.T) {
	easy, err := record.NewConstruct(testPubkey, 1700000000, "00").WithNonce("00000000002a")
	if err != nil {
		t.Fatal(err)
	}
	bare, err := json.Marshal(easy)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := json.Marshal(messaging.ConstructMessage{ID: "x", Record: easy})
	if err != nil {
		t.Fatal(err)
	}

	hard := easy
	hard.Tags = [][]string{{"nonce", "00000000002a", "00", "250"}}
	strict, err := json.Marshal(hard)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		input     []byte
		wantValid bool
		wantErr   bool
	}{
		{"bare record", bare, true, false},
		{"construct message", wrapped, true, false},
		{"explicit work too high", strict, false, false},
		{"not json", []byte("{"), false, true},
		{"no nonce tag", []byte(`{"pubkey":"` + testPubkey + `","kind":332}`), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := verifyRecord(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("verifyRecord() = %+v, want error", report)
				}
				return
			}
			if err != nil {
				t.Fatalf("verifyRecord() error = %v", err)
			}
			if report.Valid != tt.wantValid || report.Nonce != 42 {
				t.Errorf("verifyRecord() = %+v", report.Verification)
			}
			if !strings.HasPrefix(report.Npub, "npub1") || report.Pubkey != testPubkey {
				t.Errorf("verifyRecord() pubkey = %s npub = %s", report.Pubkey, report.Npub)
			}
		})
	}
}

func TestNewApp(t *testing.T) {
	app := newApp()

	want := map[string]bool{"start": false, "stop": false, "watch": false, "stats": false, "verify": false}
	for _, cmd := range app.Commands {
		want[cmd.Name] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s is missing", name)
		}
	}
}
