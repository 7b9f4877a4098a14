package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewClientFromEnvRequiresSettings(t *testing.T) {
	for _, k := range []string{"S3_ENDPOINT", "S3_BUCKET", "S3_ACCESS_KEY", "S3_SECRET_KEY"} {
		t.Setenv(k, "")
	}
	_, err := NewClientFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"S3_ENDPOINT", "S3_BUCKET", "S3_ACCESS_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestKeyAndPresign(t *testing.T) {
	c, err := New(context.Background(), Options{
		Endpoint:       "127.0.0.1:9000",
		Bucket:         "snapshots",
		Prefix:         "/llvm-snapshots/",
		AccessKey:      "ak",
		SecretKey:      "sk",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := c.Key("20240501", "rpms", "llvm-19.0.0.rpm")
	if key != "llvm-snapshots/20240501/rpms/llvm-19.0.0.rpm" {
		t.Fatalf("key = %q", key)
	}

	url, err := c.PresignGet(context.Background(), key, 15*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(url, "http://127.0.0.1:9000/snapshots/llvm-snapshots/20240501/") {
		t.Fatalf("url = %q", url)
	}
	if !strings.Contains(url, "X-Amz-Expires=900") {
		t.Fatalf("url lacks expiry: %q", url)
	}
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("00ff")
	if err != nil {
		t.Fatalf("encodeSHA256: %v", err)
	}
	if got != "AP8=" {
		t.Fatalf("got %q", got)
	}
	if _, err := encodeSHA256(""); err == nil {
		t.Fatal("expected error for empty digest")
	}
	if _, err := encodeSHA256("zz"); err == nil {
		t.Fatal("expected error for bad hex")
	}
}

func TestNewHonoursCABundle(t *testing.T) {
	var (
		mu                 sync.Mutex
		gotMethod, gotPath string
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod, gotPath = r.Method, r.URL.Path
		mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(bundle, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWS_CA_BUNDLE", bundle)

	c, err := New(context.Background(), Options{
		Endpoint:       srv.URL,
		Bucket:         "snapshots",
		AccessKey:      "ak",
		SecretKey:      "sk",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body := []byte("bundle")
	sum := sha256.Sum256(body)
	if err := c.PutObject(context.Background(), c.Key("20240501", "bundle.tar.zst"), bytes.NewReader(body), int64(len(body)), hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPut || gotPath != "/snapshots/20240501/bundle.tar.zst" {
		t.Fatalf("server saw %s %s", gotMethod, gotPath)
	}
}
