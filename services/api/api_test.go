package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"llvmsnapshots/pkg/db"
	"llvmsnapshots/pkg/db/migrations"
)

type fakePresigner struct {
	keys []string
	ttls []time.Duration
}

func (f *fakePresigner) Key(elem ...string) string {
	return path.Join(append([]string{"llvm-snapshots"}, elem...)...)
}

func (f *fakePresigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.keys = append(f.keys, key)
	f.ttls = append(f.ttls, ttl)
	return "https://s3.example/" + key + "?sig=1", nil
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(&Store{}); err == nil {
		t.Fatal("expected error for empty store")
	}
}

func TestArtifactLink(t *testing.T) {
	links := &fakePresigner{}
	a, err := New(&Store{Links: links})
	if err != nil {
		t.Fatal(err)
	}
	h := a.Routes()

	rec := serve(t, h, "/v1/artifacts/20240501.abcdef01/rpms/llvm-19.rpm")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if want := "https://s3.example/llvm-snapshots/20240501.abcdef01/rpms/llvm-19.rpm?sig=1"; body["url"] != want {
		t.Fatalf("url = %q, want %q", body["url"], want)
	}
	if links.ttls[0] != defaultLinkTTL {
		t.Fatalf("ttl = %s, want %s", links.ttls[0], defaultLinkTTL)
	}

	rec = serve(t, h, "/v1/artifacts/20240501.abcdef01/changelog?ttl=99999&redirect=1")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://s3.example/") {
		t.Fatalf("Location = %q", loc)
	}
	if links.ttls[1] != maxLinkTTL {
		t.Fatalf("ttl = %s, want clamp to %s", links.ttls[1], maxLinkTTL)
	}
}

func TestArtifactLinkRejectsBadInput(t *testing.T) {
	links := &fakePresigner{}
	a, err := New(&Store{Links: links})
	if err != nil {
		t.Fatal(err)
	}
	h := a.Routes()

	for _, target := range []string{
		"/v1/artifacts/a/../../secret",
		"/v1/artifacts/x?ttl=-5",
		"/v1/artifacts/x?ttl=soon",
	} {
		if rec := serve(t, h, target); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
	if len(links.keys) != 0 {
		t.Fatalf("presigned %v for invalid requests", links.keys)
	}
}

func TestHistoryRoutesNeedDatabase(t *testing.T) {
	a, err := New(&Store{Links: &fakePresigner{}})
	if err != nil {
		t.Fatal(err)
	}
	if rec := serve(t, a.Routes(), "/v1/checks"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestParseCheckQuery(t *testing.T) {
	tests := []struct {
		target  string
		want    checkQuery
		wantErr bool
	}{
		{target: "/v1/checks", want: checkQuery{Limit: defaultListLimit}},
		{target: "/v1/checks?strategy=pgo&since=20240501&limit=10", want: checkQuery{Strategy: "pgo", Since: "20240501", Limit: 10}},
		{target: "/v1/checks?limit=100000", want: checkQuery{Limit: maxListLimit}},
		{target: "/v1/checks?since=2024-05-01", wantErr: true},
		{target: "/v1/checks?limit=0", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseCheckQuery(httptest.NewRequest(http.MethodGet, tc.target, nil))
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.target)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.target, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.target, got, tc.want)
		}
	}
}

func TestCheckFromModelDefaultsCounts(t *testing.T) {
	c := checkFromModel(migrations.CheckResult{Strategy: "big-merge", Date: "20240501"})
	if c.Counts == nil || c.YYYYMMDD != "20240501" {
		t.Fatalf("check = %+v", c)
	}
}

func TestHistoryAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatal(err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		t.Fatal(err)
	}

	strategy := "test-" + uuid.NewString()[:8]
	rec := migrations.CheckResult{
		ID:        uuid.New(),
		Strategy:  strategy,
		Date:      "20240501",
		Project:   "@fedora-llvm-team/llvm-snapshots-test-20240501",
		Counts:    datatypes.JSONMap{"succeeded": 3},
		CheckedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := orm.WithContext(ctx).Create(&rec).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { orm.Delete(&migrations.CheckResult{}, "strategy = ?", strategy) })

	a, err := New(&Store{ORM: orm})
	if err != nil {
		t.Fatal(err)
	}
	h := a.Routes()

	res := serve(t, h, "/v1/checks/"+strategy+"/20240501")
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.Code, res.Body)
	}
	var body struct {
		Check Check `json:"check"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Check.ID != rec.ID || body.Check.Counts["succeeded"] != float64(3) {
		t.Fatalf("check = %+v", body.Check)
	}

	if res := serve(t, h, "/v1/checks/"+strategy+"/20240502"); res.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.Code)
	}
}
