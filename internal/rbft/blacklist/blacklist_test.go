package blacklist

import (
	"testing"

	"github.com/sybtjp/plenum/internal/rbft/errs"
)

func TestBlacklistableCodeIsImmediate(t *testing.T) {
	b := New()
	b.SuspectNode("Mallory", errs.ConflictingPrePrepare)
	if !b.IsNodeBlacklisted("Mallory") {
		t.Fatal("conflicting pre-prepare should blacklist immediately")
	}
}

func TestNonBlacklistableAccumulatesToThreshold(t *testing.T) {
	b := NewWithThreshold(3)
	b.SuspectNode("Eve", errs.DuplicateInstChange)
	b.SuspectNode("Eve", errs.DuplicateInstChange)
	if b.IsNodeBlacklisted("Eve") {
		t.Fatal("blacklisted below threshold")
	}
	b.SuspectNode("Eve", errs.InvalidViewNo)
	if !b.IsNodeBlacklisted("Eve") {
		t.Fatal("threshold reached but not blacklisted")
	}
	if got := b.NodeSuspicionCount("Eve", errs.DuplicateInstChange); got != 2 {
		t.Fatalf("suspicion count = %d, want 2", got)
	}
}

func TestUnconditionalBlacklist(t *testing.T) {
	b := New()
	b.BlacklistNode("Trudy")
	b.BlacklistClient("bad-client")
	if !b.IsNodeBlacklisted("Trudy") {
		t.Fatal("node not blacklisted")
	}
	if !b.IsClientBlacklisted("bad-client") {
		t.Fatal("client not blacklisted")
	}
	if b.IsNodeBlacklisted("Honest") || b.IsClientBlacklisted("good-client") {
		t.Fatal("unrelated identities blacklisted")
	}
}

func TestUnblacklistNode(t *testing.T) {
	b := New()
	b.BlacklistNode("Trudy")
	b.UnblacklistNode("Trudy")
	if b.IsNodeBlacklisted("Trudy") {
		t.Fatal("still blacklisted after UnblacklistNode")
	}
}
