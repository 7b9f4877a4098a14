// Package snapshot names daily LLVM snapshots.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the yyyymmdd layout used in project names, issue titles and versions.
	DateLayout = "20060102"

	// DatePlaceholder is replaced with the snapshot date in Copr project and monitor templates.
	DatePlaceholder = "YYYYMMDD"

	// ShortSHALength is the number of hex characters kept from a commit hash.
	ShortSHALength = 8
)

// ID identifies a snapshot by its UTC date and the abbreviated upstream commit.
type ID struct {
	Date     time.Time
	ShortSHA string
}

// New builds an ID from a full (or at least 8 character) commit hash and a point in time.
func New(sha string, t time.Time) (ID, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if len(sha) < ShortSHALength {
		return ID{}, fmt.Errorf("commit hash %q is shorter than %d characters", sha, ShortSHALength)
	}
	if !isHex(sha) {
		return ID{}, fmt.Errorf("commit hash %q is not hexadecimal", sha)
	}
	u := t.UTC()
	return ID{
		Date:     time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC),
		ShortSHA: sha[:ShortSHALength],
	}, nil
}

// YYYYMMDD returns the date part of the identifier.
func (id ID) YYYYMMDD() string {
	return FormatDate(id.Date)
}

// String renders the identifier as yyyymmdd.shaShort.
func (id ID) String() string {
	return id.YYYYMMDD() + "." + id.ShortSHA
}

// RPMVersion renders the RPM version of a snapshot built on top of an upstream release.
func (id ID) RPMVersion(v Version) string {
	return fmt.Sprintf("%s~pre%s.g%s", v, id.YYYYMMDD(), id.ShortSHA)
}

// Version is an upstream major.minor.patch version.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// FormatDate formats t as yyyymmdd in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a yyyymmdd string as a UTC date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("invalid date %q: expected yyyymmdd", s)
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// DaysAgo returns the UTC date offset days before now.
func DaysAgo(now time.Time, offset int) time.Time {
	u := now.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// ExpandTemplate substitutes every date placeholder in tpl.
func ExpandTemplate(tpl string, date time.Time) (string, error) {
	if !strings.Contains(tpl, DatePlaceholder) {
		return "", errors.New("template does not contain " + DatePlaceholder)
	}
	return strings.ReplaceAll(tpl, DatePlaceholder, FormatDate(date)), nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
