package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/store"
)

// TestMessageTypeJSON tests that every message type survives the json encoding by name
func TestMessageTypeJSON(t *testing.T) {
	for msgType := MsgTSuccess; msgType <= MaxMessageType; msgType++ {
		data, err := json.Marshal(msgType)
		if err != nil {
			t.Fatalf("Marshal(%d) failed: %v", msgType, err)
		}
		if string(data) != fmt.Sprintf("%q", msgType.String()) {
			t.Errorf("Marshal(%d) = %s", msgType, data)
		}
		var decoded MessageType
		if err := json.Unmarshal(data, &decoded); err != nil || decoded != msgType {
			t.Errorf("Unmarshal(%s) = %v, %v", data, decoded, err)
		}
	}

	var decoded MessageType
	if err := json.Unmarshal([]byte(`"no-such-type"`), &decoded); err == nil {
		t.Errorf("Expected an error for an unknown message type")
	}
}

func TestMessageError(t *testing.T) {
	tests := []struct {
		name     string
		msg      *Message
		sentinel error
		wantErr  bool
	}{
		{"success", NewUpsertResponse(nil), nil, false},
		{"conflict", NewRMWResponse(nil, fmt.Errorf("%w: retries", db.ErrConflictExceeded)), db.ErrConflictExceeded, true},
		{"closed", NewReadResponse(nil, false, db.ErrClosed), db.ErrClosed, true},
		{"plain error", NewDeleteResponse(errors.New("boom")), nil, true},
		{"error response", NewErrorResponse(store.RetCCheckpointInProgress, "busy"), db.ErrCheckpointInProgress, true},
		{"error response without code", &Message{MsgType: MsgTError}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Error()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Error() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("Error() = %v, does not unwrap to %v", err, tt.sentinel)
			}
		})
	}
}

func TestAcquireRequestTimeout(t *testing.T) {
	if got := NewAcquireRequest("k", 1500*time.Millisecond).Timeout; got != 1500 {
		t.Errorf("Timeout = %d, want 1500", got)
	}
}

func TestToLarchOptions(t *testing.T) {
	config := ServerConfig{
		Engine: EngineConfig{
			DataDir:               "/data",
			Recover:               true,
			RecoverTokens:         map[uint64]string{100: "token"},
			MemoryPages:           8,
			CheckpointIntervalSec: 30,
		},
	}

	opts := config.ToLarchOptions(100, nil)
	if opts.DataDir != "/data/shard-100" || opts.Name != "shard-100" {
		t.Errorf("unexpected name / dir: %q, %q", opts.Name, opts.DataDir)
	}
	if !opts.Recover || opts.RecoverToken != "token" {
		t.Errorf("unexpected recovery options: %v, %q", opts.Recover, opts.RecoverToken)
	}
	if opts.MemoryPages != 8 || opts.CheckpointInterval != 30*time.Second || !opts.AutoGrowIndex {
		t.Errorf("unexpected engine options: %+v", opts)
	}

	if opts := config.ToLarchOptions(200, nil); opts.RecoverToken != "" {
		t.Errorf("shard 200 must recover the newest checkpoint, got token %q", opts.RecoverToken)
	}
}

func TestParseShardType(t *testing.T) {
	for _, s := range []string{"lstore", "LockMgr", " pubsub "} {
		if _, err := ParseShardType(s); err != nil {
			t.Errorf("ParseShardType(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseShardType("dstore"); err == nil {
		t.Errorf("Expected an error for an unknown shard type")
	}
}
