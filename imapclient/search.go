package imapclient

import (
	"fmt"
	"strings"
	"time"
)

// SeqRange is a range of message sequence numbers or UIDs. A Last of 0
// renders as "*", the open-ended upper bound.
type SeqRange struct {
	First uint32
	Last  uint32
}

func (r SeqRange) String() string {
	if r.Last == 0 {
		return fmt.Sprintf("%d:*", r.First)
	}
	return fmt.Sprintf("%d:%d", r.First, r.Last)
}

// SeqSet is a list of ranges, rendered comma-separated.
type SeqSet []SeqRange

func (s SeqSet) String() string {
	l := make([]string, len(s))
	for i, r := range s {
		l[i] = r.String()
	}
	return strings.Join(l, ",")
}

// SearchKey is a search condition kind for the SEARCH command.
type SearchKey int

const (
	SearchAll    SearchKey = iota // All messages.
	SearchSeqSet                  // Messages with the given sequence numbers.
	SearchUIDSet                  // Messages with the given UIDs.
	SearchSubject
	SearchBody
	SearchFrom
	SearchTo
	SearchBefore // Internal date before the given day.
	SearchOn     // Internal date within the given day.
	SearchSince  // Internal date on or after the given day.
	SearchNew
	SearchRecent
	SearchSeen
	SearchUnseen
)

// SearchCondition is one condition of a SEARCH command. Which value field
// is used depends on Key: Set for SearchSeqSet/SearchUIDSet, Text for the
// header and body conditions, Date for the date conditions.
type SearchCondition struct {
	Key  SearchKey
	Text string
	Set  SeqSet
	Date time.Time
}

// Dates render as dd-Mon-yyyy with the English month abbreviation.
func searchDate(t time.Time) string {
	return t.Format("02-Jan-2006")
}

// String renders the condition as its canonical IMAP fragment.
func (sc SearchCondition) String() string {
	switch sc.Key {
	case SearchAll:
		return "ALL"
	case SearchSeqSet:
		return sc.Set.String()
	case SearchUIDSet:
		return "UID " + sc.Set.String()
	case SearchSubject:
		return "SUBJECT " + stringx(sc.Text)
	case SearchBody:
		return "BODY " + stringx(sc.Text)
	case SearchFrom:
		return "FROM " + stringx(sc.Text)
	case SearchTo:
		return "TO " + stringx(sc.Text)
	case SearchBefore:
		return "BEFORE " + searchDate(sc.Date)
	case SearchOn:
		return "ON " + searchDate(sc.Date)
	case SearchSince:
		return "SINCE " + searchDate(sc.Date)
	case SearchNew:
		return "NEW"
	case SearchRecent:
		return "RECENT"
	case SearchSeen:
		return "SEEN"
	case SearchUnseen:
		return "UNSEEN"
	}
	return ""
}
