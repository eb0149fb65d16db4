package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	c := Default("/var/lib/concordkv")
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	c := Default("")
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to reject an empty data_dir")
	}
}

func TestValidateRejectsUnknownCachePolicy(t *testing.T) {
	c := Default("/tmp/data")
	c.Cache.Policy = "not-a-policy"
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to reject an unrecognized cache policy")
	}
}

func TestValidateRejectsOutOfRangeCompactRatio(t *testing.T) {
	c := Default("/tmp/data")
	c.WAL.CompactRatio = 1.5
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate() to reject compact_ratio outside (0, 1)")
	}
}

func TestMarshalUnmarshalRoundTrips(t *testing.T) {
	c := Default("/tmp/data")
	c.Shard.Count = 32

	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal("/tmp/data", data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Shard.Count != 32 {
		t.Fatalf("Shard.Count = %d, want 32", got.Shard.Count)
	}
	if got.DataDir != "/tmp/data" {
		t.Fatalf("DataDir = %q, want /tmp/data", got.DataDir)
	}
}

func TestUnmarshalFillsDefaultsForOmittedFields(t *testing.T) {
	got, err := Unmarshal("/tmp/data", []byte("data_dir: /tmp/data\n"))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Compaction.WorkerCount != Default("/tmp/data").Compaction.WorkerCount {
		t.Fatalf("Compaction.WorkerCount = %d, want default %d", got.Compaction.WorkerCount, Default("/tmp/data").Compaction.WorkerCount)
	}
}
