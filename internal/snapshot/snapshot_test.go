package snapshot

import (
	"math"
	"testing"
)

func TestMergeFromAccumulatesFields(t *testing.T) {
	var canonical Snapshot

	first := New("SHFE.au2412", "SHFE", "ctp")
	first.Set(FieldLastPrice, 100)
	first.Set(FieldVolume, 10)
	first.Set(FieldBidPrice1, 99)
	canonical.MergeFrom(first)

	if got, ok := canonical.Get(FieldLastPrice); !ok || got != 100 {
		t.Fatalf("last_price = %v, %v", got, ok)
	}

	second := New("SHFE.au2412", "SHFE", "ctp")
	second.Set(FieldLastPrice, 100)
	second.Set(FieldVolume, 12)
	canonical.MergeFrom(second)

	if v, ok := canonical.Get(FieldVolume); !ok || v != 12 {
		t.Fatalf("volume should update to 12, got %v (%v)", v, ok)
	}
	if v, ok := canonical.Get(FieldBidPrice1); !ok || v != 99 {
		t.Fatalf("bid_price1 should be retained from first merge, got %v (%v)", v, ok)
	}
}

func TestDiffFirstDeliveryIsFull(t *testing.T) {
	var canonical Snapshot
	snap := New("SHFE.au2412", "SHFE", "ctp")
	snap.Set(FieldLastPrice, 100)
	snap.Set(FieldVolume, 10)
	canonical.MergeFrom(snap)

	var lastSent Snapshot // never delivered
	d := Diff(canonical, lastSent)

	if d.Fields != canonical.Provided {
		t.Fatalf("first delivery should include every provided field")
	}
}

func TestDiffOnlyReportsChangedFields(t *testing.T) {
	var canonical Snapshot
	first := New("SHFE.au2412", "SHFE", "ctp")
	first.Set(FieldLastPrice, 100)
	first.Set(FieldVolume, 10)
	first.Set(FieldBidPrice1, 99)
	canonical.MergeFrom(first)

	lastSent := canonical.Clone()

	second := New("SHFE.au2412", "SHFE", "ctp")
	second.Set(FieldLastPrice, 100) // unchanged
	second.Set(FieldVolume, 12)     // changed
	canonical.MergeFrom(second)

	d := Diff(canonical, lastSent)
	if d.Fields.Has(FieldLastPrice) {
		t.Fatalf("unchanged last_price must not appear in delta")
	}
	if !d.Fields.Has(FieldVolume) {
		t.Fatalf("changed volume must appear in delta")
	}
	if d.Fields.Has(FieldBidPrice1) {
		t.Fatalf("field not provided this tick must not appear in delta")
	}
}

func TestDiffIdenticalSnapshotsProduceNoDelta(t *testing.T) {
	var canonical Snapshot
	snap := New("SHFE.au2412", "SHFE", "ctp")
	snap.Set(FieldLastPrice, 100)
	canonical.MergeFrom(snap)
	lastSent := canonical.Clone()

	canonical.MergeFrom(snap)
	d := Diff(canonical, lastSent)
	if !d.IsEmpty() {
		t.Fatalf("expected empty delta for an identical re-arrival, got %+v", d)
	}
}

func TestDiffNaNToNaNIsNoChange(t *testing.T) {
	var canonical Snapshot
	snap := New("SHFE.au2412", "SHFE", "ctp")
	snap.Set(FieldSettlement, math.NaN())
	canonical.MergeFrom(snap)
	lastSent := canonical.Clone()

	canonical.MergeFrom(snap)
	d := Diff(canonical, lastSent)
	if d.Fields.Has(FieldSettlement) {
		t.Fatalf("NaN compared to NaN (same bit pattern) must not be a change")
	}
}

func TestMissingVsValueCountsAsChange(t *testing.T) {
	var canonical Snapshot
	first := New("SHFE.au2412", "SHFE", "ctp")
	first.Set(FieldLastPrice, 100)
	canonical.MergeFrom(first)
	lastSent := canonical.Clone() // lastSent has no bid_price1

	second := New("SHFE.au2412", "SHFE", "ctp")
	second.Set(FieldLastPrice, 100)
	second.Set(FieldBidPrice1, 99)
	canonical.MergeFrom(second)

	d := Diff(canonical, lastSent)
	if !d.Fields.Has(FieldBidPrice1) {
		t.Fatalf("newly-provided field absent from lastSent must count as changed")
	}
	if d.Fields.Has(FieldLastPrice) {
		t.Fatalf("unchanged field must not appear")
	}
}

func TestAppendJSONIncludesInstrumentIDAndProvidedFieldsOnly(t *testing.T) {
	snap := New("DCE.a2405", "DCE", "ctp")
	snap.Set(FieldBidPrice1, 4123.0)
	js := string(snap.AppendJSON(nil))

	if !contains(js, `"instrument_id":"DCE.a2405"`) {
		t.Fatalf("missing instrument_id: %s", js)
	}
	if !contains(js, `"bid_price1":4123`) {
		t.Fatalf("missing bid_price1: %s", js)
	}
	if contains(js, "last_price") {
		t.Fatalf("must not include unprovided fields: %s", js)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
