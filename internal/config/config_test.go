package config

import (
	"testing"
	"time"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatal(err)
	}
	if c.SourceID != 2 {
		t.Fatalf("SourceID = %d, want 2", c.SourceID)
	}
	if !c.SyncTime {
		t.Fatal("expected SyncTime default true")
	}
	if c.KeepAliveInterval != 30*time.Second {
		t.Fatalf("KeepAliveInterval = %v", c.KeepAliveInterval)
	}
	idx, err := c.StatusRequestIndices()
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 6 || idx[5] != 5 {
		t.Fatalf("StatusRequestIndices = %v", idx)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"PAIBRIDGE_PANEL_ADDR=10.0.0.5:10000",
		"PAIBRIDGE_PASSWORD=secret",
		"PAIBRIDGE_SOURCE_ID=9",
		"PAIBRIDGE_SYNC_TIME=false",
		"PAIBRIDGE_STATUS_REQUESTS=0,1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.PanelAddr != "10.0.0.5:10000" || c.Password != "secret" {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.SourceID != 9 {
		t.Fatalf("SourceID = %d", c.SourceID)
	}
	if c.SyncTime {
		t.Fatal("expected SyncTime=false override")
	}
	idx, _ := c.StatusRequestIndices()
	if len(idx) != 2 {
		t.Fatalf("StatusRequestIndices = %v", idx)
	}
}

func TestUnmarshalEnvInclusionLists(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"PAIBRIDGE_ZONES=1,2,3",
		"PAIBRIDGE_PARTITIONS_CHANGE_NOTIFICATION_IGNORE=armed,ready",
	})
	if err != nil {
		t.Fatal(err)
	}
	zones, err := c.ZoneIndices()
	if err != nil {
		t.Fatal(err)
	}
	if len(zones) != 3 || zones[2] != 3 {
		t.Fatalf("ZoneIndices = %v", zones)
	}
	partitions, err := c.PartitionIndices()
	if err != nil {
		t.Fatal(err)
	}
	if len(partitions) != 0 {
		t.Fatalf("expected empty PartitionIndices by default, got %v", partitions)
	}
	if len(c.PartitionsChangeNotificationIgnore) != 2 || c.PartitionsChangeNotificationIgnore[1] != "ready" {
		t.Fatalf("PartitionsChangeNotificationIgnore = %v", c.PartitionsChangeNotificationIgnore)
	}
}

func TestUnmarshalEnvRejectsUnknownKey(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{"PAIBRIDGE_NOT_A_REAL_KEY=1"})
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}
