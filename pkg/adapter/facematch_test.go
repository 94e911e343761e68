package adapter_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/proofgate/pkg/adapter"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	gt.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFaceVerifier(t *testing.T) {
	ctx := context.Background()
	probe := writeTemp(t, "probe.jpg", "probe-bytes")
	ref := writeTemp(t, "ref.jpg", "ref-bytes")

	t.Run("verified", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gt.NoError(t, r.ParseMultipartForm(1<<20))
			for field, want := range map[string]string{"image1": "probe-bytes", "image2": "ref-bytes"} {
				f, _, err := r.FormFile(field)
				gt.NoError(t, err)
				raw, err := io.ReadAll(f)
				gt.NoError(t, err)
				gt.Equal(t, string(raw), want)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"verified": true, "distance": 0.21, "threshold": 0.4})
		}))
		defer srv.Close()

		r, err := adapter.NewFaceVerifier(srv.URL).MatchFaces(ctx, probe, ref)
		gt.NoError(t, err)
		gt.True(t, r.Verified)
		gt.Equal(t, r.Distance, 0.21)
		gt.Equal(t, r.Threshold, 0.4)
	})

	t.Run("service error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"verified": false, "error": "no face"})
		}))
		defer srv.Close()

		_, err := adapter.NewFaceVerifier(srv.URL).MatchFaces(ctx, probe, ref)
		gt.Error(t, err)
	})

	t.Run("server failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		}))
		defer srv.Close()

		_, err := adapter.NewFaceVerifier(srv.URL).MatchFaces(ctx, probe, ref)
		gt.Error(t, err)
	})

	t.Run("missing staged file", func(t *testing.T) {
		_, err := adapter.NewFaceVerifier("http://127.0.0.1:1").MatchFaces(ctx, filepath.Join(t.TempDir(), "none.jpg"), ref)
		gt.Error(t, err)
	})
}
