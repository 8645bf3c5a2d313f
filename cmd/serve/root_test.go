package serve

import (
	"testing"

	"github.com/ValentinKolb/hKV/rpc/common"
)

func TestParseShards(t *testing.T) {
	shards, err := parseShards("100=lstore, 200=lockmgr,300=PubSub")
	if err != nil {
		t.Fatalf("parseShards failed: %v", err)
	}
	want := []common.ServerShard{
		{ShardID: 100, Type: common.ShardTypeLocalIStore},
		{ShardID: 200, Type: common.ShardTypeLocalILockManager},
		{ShardID: 300, Type: common.ShardTypePubSub},
	}
	if len(shards) != len(want) {
		t.Fatalf("parseShards() = %v, want %v", shards, want)
	}
	for i := range want {
		if shards[i] != want[i] {
			t.Errorf("shard %d = %v, want %v", i, shards[i], want[i])
		}
	}

	for _, invalid := range []string{"", "100", "abc=lstore", "100=dstore", "100=lstore,100=lockmgr"} {
		if _, err := parseShards(invalid); err == nil {
			t.Errorf("parseShards(%q) did not fail", invalid)
		}
	}
}

func TestParseRecoverTokens(t *testing.T) {
	tokens, err := parseRecoverTokens("100=abc, 200=def")
	if err != nil {
		t.Fatalf("parseRecoverTokens failed: %v", err)
	}
	if len(tokens) != 2 || tokens[100] != "abc" || tokens[200] != "def" {
		t.Errorf("parseRecoverTokens() = %v", tokens)
	}

	if tokens, err := parseRecoverTokens(""); err != nil || len(tokens) != 0 {
		t.Errorf("parseRecoverTokens(\"\") = %v, %v", tokens, err)
	}
	for _, invalid := range []string{"100", "100=", "x=abc"} {
		if _, err := parseRecoverTokens(invalid); err == nil {
			t.Errorf("parseRecoverTokens(%q) did not fail", invalid)
		}
	}
}
