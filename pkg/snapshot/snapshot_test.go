package snapshot

import (
	"testing"
	"time"
)

func TestIDString(t *testing.T) {
	tests := []struct {
		name    string
		sha     string
		at      time.Time
		want    string
		wantErr bool
	}{
		{
			name: "truncates hash",
			sha:  "abcdef0123456789",
			at:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			want: "20240501.abcdef01",
		},
		{
			name: "uses utc date",
			sha:  "ABCDEF0123456789",
			at:   time.Date(2024, 5, 1, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*60*60)),
			want: "20240502.abcdef01",
		},
		{
			name:    "short hash",
			sha:     "abc",
			at:      time.Now(),
			wantErr: true,
		},
		{
			name:    "not hex",
			sha:     "zzzzzzzzzz",
			at:      time.Now(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := New(tt.sha, tt.at)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := id.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPMVersion(t *testing.T) {
	id, err := New("abcdef0123456789", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := id.RPMVersion(Version{Major: 19, Minor: 0, Patch: 0})
	if want := "19.0.0~pre20240501.gabcdef01"; got != want {
		t.Fatalf("RPMVersion() = %q, want %q", got, want)
	}
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate("20240229")
	if err != nil {
		t.Fatalf("ParseDate() error = %v", err)
	}
	if !got.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseDate() = %v", got)
	}

	for _, bad := range []string{"", "2024-02-29", "20240230", "2024022"} {
		if _, err := ParseDate(bad); err == nil {
			t.Fatalf("ParseDate(%q) expected error", bad)
		}
	}
}

func TestDaysAgo(t *testing.T) {
	now := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
	if got := FormatDate(DaysAgo(now, 1)); got != "20240229" {
		t.Fatalf("DaysAgo(1) = %s, want 20240229", got)
	}
	if got := FormatDate(DaysAgo(now, 0)); got != "20240301" {
		t.Fatalf("DaysAgo(0) = %s, want 20240301", got)
	}
}

func TestExpandTemplate(t *testing.T) {
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := ExpandTemplate("@fedora-llvm-team/llvm-snapshots-big-merge-YYYYMMDD", date)
	if err != nil {
		t.Fatalf("ExpandTemplate() error = %v", err)
	}
	if want := "@fedora-llvm-team/llvm-snapshots-big-merge-20240501"; got != want {
		t.Fatalf("ExpandTemplate() = %q, want %q", got, want)
	}
	if _, err := ExpandTemplate("no-placeholder", date); err == nil {
		t.Fatalf("ExpandTemplate() expected error")
	}
}
