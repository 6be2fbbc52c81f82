package imapclient

import (
	"testing"
	"time"
)

func TestSearchConditionRender(t *testing.T) {
	date := time.Date(2014, time.February, 3, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		cond SearchCondition
		want string
	}{
		{SearchCondition{Key: SearchAll}, "ALL"},
		{SearchCondition{Key: SearchSeqSet, Set: SeqSet{{1, 5}, {8, 8}}}, "1:5,8:8"},
		{SearchCondition{Key: SearchSeqSet, Set: SeqSet{{10, 0}}}, "10:*"},
		{SearchCondition{Key: SearchUIDSet, Set: SeqSet{{100, 200}}}, "UID 100:200"},
		{SearchCondition{Key: SearchSubject, Text: "hello"}, `SUBJECT "hello"`},
		{SearchCondition{Key: SearchBody, Text: `say "hi"`}, `BODY "say \"hi\""`},
		{SearchCondition{Key: SearchFrom, Text: "alice@mox.example"}, `FROM "alice@mox.example"`},
		{SearchCondition{Key: SearchTo, Text: "bob@mox.example"}, `TO "bob@mox.example"`},
		{SearchCondition{Key: SearchBefore, Date: date}, "BEFORE 03-Feb-2014"},
		{SearchCondition{Key: SearchOn, Date: date}, "ON 03-Feb-2014"},
		{SearchCondition{Key: SearchSince, Date: date}, "SINCE 03-Feb-2014"},
		{SearchCondition{Key: SearchNew}, "NEW"},
		{SearchCondition{Key: SearchRecent}, "RECENT"},
		{SearchCondition{Key: SearchSeen}, "SEEN"},
		{SearchCondition{Key: SearchUnseen}, "UNSEEN"},
	}
	for _, tc := range tests {
		if got := tc.cond.String(); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}

func TestSearchDateEnglishMonths(t *testing.T) {
	// Month abbreviations must be English regardless of locale.
	months := []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}
	for i, want := range months {
		d := time.Date(2020, time.Month(i+1), 15, 0, 0, 0, 0, time.UTC)
		if got := searchDate(d); got != "15-"+want+"-2020" {
			t.Fatalf("got %q, want %q", got, "15-"+want+"-2020")
		}
	}
}
