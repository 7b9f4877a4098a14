package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var csvHeader = []string{"date", "package", "chroot", "build_time", "state", "build_id", "timestamp"}

// Row is the build time of one package in one chroot on one day.
type Row struct {
	Date      time.Time
	Package   string
	Chroot    string
	BuildTime time.Duration
	State     string
	BuildID   int64
	Timestamp time.Time
}

// ReadCSVFile reads a datafile. A missing file yields an error wrapping fs.ErrNotExist.
func ReadCSVFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// ReadCSV parses rows in the build-stats.csv layout. Columns are matched by
// header name so their order does not matter.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range csvHeader {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := parseRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func parseRecord(rec []string, idx map[string]int) (Row, error) {
	get := func(col string) string { return strings.TrimSpace(rec[idx[col]]) }

	date, err := parseDay(get("date"))
	if err != nil {
		return Row{}, err
	}
	secs, err := strconv.ParseFloat(get("build_time"), 64)
	if err != nil {
		return Row{}, fmt.Errorf("build_time: %w", err)
	}
	id, err := strconv.ParseInt(get("build_id"), 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("build_id: %w", err)
	}
	ts, err := strconv.ParseFloat(get("timestamp"), 64)
	if err != nil {
		return Row{}, fmt.Errorf("timestamp: %w", err)
	}
	return Row{
		Date:      date,
		Package:   get("package"),
		Chroot:    get("chroot"),
		BuildTime: time.Duration(secs * float64(time.Second)),
		State:     get("state"),
		BuildID:   id,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
	}, nil
}

func parseDay(s string) (time.Time, error) {
	for _, layout := range []string{dateLayout, "2006/01/02", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// WriteCSV writes rows, preceded by the header when header is true.
func WriteCSV(w io.Writer, rows []Row, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, r := range rows {
		rec := []string{
			r.Date.UTC().Format(dateLayout),
			r.Package,
			r.Chroot,
			strconv.FormatInt(int64(r.BuildTime/time.Second), 10),
			r.State,
			strconv.FormatInt(r.BuildID, 10),
			strconv.FormatInt(r.Timestamp.Unix(), 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendCSVFile appends rows to path, creating it with a header if needed.
func AppendCSVFile(path string, rows []Row) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := WriteCSV(f, rows, info.Size() == 0); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}
