package bootstrap

import (
	"testing"

	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"
)

func kv(key, value string) *mvccpb.KeyValue {
	return &mvccpb.KeyValue{Key: []byte(key), Value: []byte(value)}
}

func TestOrderByRankOrdersAddressesByRank(t *testing.T) {
	prefix := "/run1/peers/"
	kvs := []*mvccpb.KeyValue{
		kv(prefix+"rank-2", "host2:1000"),
		kv(prefix+"rank-0", "host0:1000"),
		kv(prefix+"rank-1", "host1:1000"),
	}

	addrs, err := orderByRank(kvs, prefix, 3)
	if err != nil {
		t.Fatalf("orderByRank: %v", err)
	}
	want := []string{"host0:1000", "host1:1000", "host2:1000"}
	for i, w := range want {
		if addrs[i] != w {
			t.Fatalf("rank %d: got %q want %q", i, addrs[i], w)
		}
	}
}

func TestOrderByRankErrorsOnMissingRank(t *testing.T) {
	prefix := "/run1/peers/"
	kvs := []*mvccpb.KeyValue{
		kv(prefix+"rank-0", "host0:1000"),
		kv(prefix+"rank-2", "host2:1000"),
	}

	if _, err := orderByRank(kvs, prefix, 3); err == nil {
		t.Fatal("expected an error for a missing rank-1 key")
	}
}

func TestOrderByRankIgnoresOutOfRangeAndMalformedKeys(t *testing.T) {
	prefix := "/run1/peers/"
	kvs := []*mvccpb.KeyValue{
		kv(prefix+"rank-0", "host0:1000"),
		kv(prefix+"rank-1", "host1:1000"),
		kv(prefix+"rank-99", "ghost:1000"),
		kv(prefix+"not-a-rank-key", "garbage"),
	}

	addrs, err := orderByRank(kvs, prefix, 2)
	if err != nil {
		t.Fatalf("orderByRank: %v", err)
	}
	if addrs[0] != "host0:1000" || addrs[1] != "host1:1000" {
		t.Fatalf("unexpected addrs: %v", addrs)
	}
}
