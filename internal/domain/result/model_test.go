package result

import (
	"testing"
)

func TestLevelFromAbnormalFlag(t *testing.T) {
	cases := []struct {
		flag string
		want CriticalLevel
	}{
		{"", LevelNormal},
		{"N", LevelNormal},
		{"L", LevelLow},
		{"H", LevelHigh},
		{"LL", LevelCriticalLow},
		{"HH", LevelCriticalHigh},
		{"POS", LevelPositive},
		{"NEG", LevelNegative},
		{"I", LevelIndeterminate},
		{"RR", LevelReactive},
		{"NR", LevelNonReactive},
		{"??", LevelAbnormal},
		{"h", LevelHigh},
		{" hh ", LevelCriticalHigh},
	}
	for _, tc := range cases {
		if got := LevelFromAbnormalFlag(tc.flag); got != tc.want {
			t.Errorf("flag %q: expected %s, got %s", tc.flag, tc.want, got)
		}
	}
}

func TestCriticalLevel_IsCritical(t *testing.T) {
	critical := []CriticalLevel{LevelCriticalLow, LevelCriticalHigh, LevelPanicLow, LevelPanicHigh}
	for _, l := range critical {
		if !l.IsCritical() {
			t.Errorf("expected %s to be critical", l)
		}
	}
	notCritical := []CriticalLevel{LevelNormal, LevelLow, LevelHigh, LevelAbnormal, LevelPositive}
	for _, l := range notCritical {
		if l.IsCritical() {
			t.Errorf("expected %s not to be critical", l)
		}
	}
}

func TestRecord_IsAbnormal_Numeric(t *testing.T) {
	cases := []struct {
		value string
		rng   string
		want  bool
	}{
		{"120", "70-110", true},
		{"90", "70-110", false},
		{"70", "70-110", false},
		{"110", "70-110", false},
		{"65.5", "70-110", true},
	}
	for _, tc := range cases {
		rec := &Record{Value: tc.value, ReferenceRange: tc.rng, CriticalLevel: LevelNormal}
		if got := rec.IsAbnormal(); got != tc.want {
			t.Errorf("value %s range %s: expected abnormal=%v, got %v", tc.value, tc.rng, tc.want, got)
		}
	}
}

func TestRecord_IsAbnormal_NonNumericFallsBackToLevel(t *testing.T) {
	rec := &Record{Value: "POSITIVE", ReferenceRange: "negative", CriticalLevel: LevelPositive}
	if !rec.IsAbnormal() {
		t.Error("expected non-numeric result with non-normal level to be abnormal")
	}

	rec = &Record{Value: "NEGATIVE", ReferenceRange: "negative", CriticalLevel: LevelNormal}
	if rec.IsAbnormal() {
		t.Error("expected non-numeric result with normal level not to be abnormal")
	}
}
