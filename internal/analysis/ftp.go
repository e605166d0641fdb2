package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"stravapower/internal/errs"
	"stravapower/internal/store"
)

// DefaultFTP is used when no FTP record precedes a date
const DefaultFTP = 200.0

// ftpDateLayouts are accepted in FTP history files, e.g. "01-Jan-20"
var ftpDateLayouts = []string{"02-Jan-06", "2006-01-02"}

// FTPHistory answers "what was FTP on this day" from a sorted record list
type FTPHistory struct {
	records []store.FTPRecord
	def     float64
}

// NewFTPHistory copies and sorts records. def <= 0 selects DefaultFTP.
func NewFTPHistory(records []store.FTPRecord, def float64) FTPHistory {
	sorted := make([]store.FTPRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})
	if def <= 0 {
		def = DefaultFTP
	}
	return FTPHistory{records: sorted, def: def}
}

// At returns the FTP of the most recent record dated on or before date's
// calendar day (UTC), or the default when none qualifies.
func (h FTPHistory) At(date time.Time) float64 {
	day := truncateDay(date)
	i := sort.Search(len(h.records), func(i int) bool {
		return truncateDay(h.records[i].Date).After(day)
	})
	if i == 0 {
		return h.def
	}
	return h.records[i-1].FTP
}

// Len returns the number of records
func (h FTPHistory) Len() int { return len(h.records) }

// ParseFTPCSV reads "<ftp> W,<dd-Mon-yy>" rows. The unit suffix is optional.
func ParseFTPCSV(r io.Reader) ([]store.FTPRecord, error) {
	const op = "parse ftp csv"

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []store.FTPRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.E(errs.KindValidation, op, err)
		}
		line, _ := cr.FieldPos(0)
		if len(row) != 2 {
			return nil, errs.Errorf(errs.KindValidation, op, "line %d: want 2 fields, got %d", line, len(row))
		}

		rec, err := parseFTPRow(row[0], row[1])
		if err != nil {
			return nil, errs.E(errs.KindValidation, op, fmt.Errorf("line %d: %w", line, err))
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseFTPRow(value, date string) (store.FTPRecord, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return store.FTPRecord{}, fmt.Errorf("missing ftp value")
	}
	ftp, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || ftp <= 0 {
		return store.FTPRecord{}, fmt.Errorf("invalid ftp %q", value)
	}

	date = strings.TrimSpace(date)
	for _, layout := range ftpDateLayouts {
		if d, err := time.Parse(layout, date); err == nil {
			return store.FTPRecord{Date: d, FTP: ftp}, nil
		}
	}
	return store.FTPRecord{}, fmt.Errorf("invalid date %q", date)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
