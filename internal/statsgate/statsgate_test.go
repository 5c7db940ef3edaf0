package statsgate

import (
	"encoding/hex"
	"testing"

	"github.com/oxen-io/storagesvc/internal/metrics"
)

func TestAuthorizeAllowsConfiguredKeyOnly(t *testing.T) {
	g := New([]string{"aabbcc", "112233"})
	allowed, _ := hex.DecodeString("aabbcc")
	denied, _ := hex.DecodeString("ddeeff")
	if !g.Authorize(allowed) {
		t.Fatalf("expected configured key to be authorized")
	}
	if g.Authorize(denied) {
		t.Fatalf("expected unconfigured key to be denied")
	}
}

func TestAuthorizeDeniesEveryoneWithEmptyAllowList(t *testing.T) {
	g := New(nil)
	allowed, _ := hex.DecodeString("aabbcc")
	if g.Authorize(allowed) {
		t.Fatalf("expected empty allow-list to deny all callers")
	}
}

func TestBuildStatsReflectsSnapshot(t *testing.T) {
	m := metrics.New()
	m.IncStored()
	m.IncStored()
	m.IncRetrieved()

	stats := BuildStats(m.Snapshot())
	if stats.Store.Stored != 2 || stats.Store.Retrieved != 1 {
		t.Fatalf("unexpected stats: %+v", stats.Store)
	}
}

func TestBuildLogsReflectsRecentRing(t *testing.T) {
	recent := metrics.NewRecentLog(4)
	recent.Add("one")
	recent.Add("two")

	logs := BuildLogs(recent)
	if len(logs.Lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(logs.Lines))
	}
}
