package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/gas"
)

func testClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:      baseURL,
		BearerToken:  "tkn",
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   5 * time.Second,
		MaxRetries:   3,
		BackoffBase:  10 * time.Millisecond,
	}, zap.NewNop())
}

func fetchWindow() (time.Time, time.Time) {
	end := time.Date(2026, 1, 31, 17, 0, 0, 0, time.UTC)
	return end.Add(-time.Hour), end
}

func TestRangesetURL(t *testing.T) {
	c := testClient("https://harmony.example.com")
	start, end := fetchWindow()
	u, err := c.RangesetURL(gas.NO2, -118, 34, -117, 35, start, end)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"C2930763263-LARC_CLOUD",
		"/ogc-api-coverages/1.0.0/collections/all/coverage/rangeset",
		"subset=lon(-118:-117)",
		"subset=lat(34:35)",
		"subset=time(%222026-01-31T16:00:00.000Z%22:%222026-01-31T17:00:00.000Z%22)",
		"format=image/tiff",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("URL missing %q:\n%s", want, u)
		}
	}
}

func TestRangesetURL_UnknownGas(t *testing.T) {
	c := testClient("https://harmony.example.com")
	start, end := fetchWindow()
	if _, err := c.RangesetURL(gas.Gas("XX"), -118, 34, -117, 35, start, end); err == nil {
		t.Fatal("expected error for unknown gas")
	}
}

func TestFetchRaster_SyncTIFF(t *testing.T) {
	payload := []byte("II\x2a\x00fake-tiff")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tkn" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		w.Header().Set("Content-Type", "image/tiff")
		w.Write(payload)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start, end := fetchWindow()
	path, err := c.FetchRaster(context.Background(), gas.NO2, -118, 34, -117, 35, start, end)
	if err != nil {
		t.Fatalf("FetchRaster: %v", err)
	}
	defer os.Remove(path)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("downloaded body does not match sync response")
	}
}

func TestFetchRaster_AsyncJob(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/data.tif", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiff-bytes"))
	})
	mux.HandleFunc("/jobs/j1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		w.Header().Set("Content-Type", "application/json")
		if polls < 3 {
			json.NewEncoder(w).Encode(map[string]any{"status": "running", "progress": 50})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "successful",
			"links":  []map[string]string{{"rel": "data", "href": srv.URL + "/data.tif"}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"jobID": "j1"})
	})

	c := testClient(srv.URL)
	start, end := fetchWindow()
	path, err := c.FetchRaster(context.Background(), gas.O3, -118, 34, -117, 35, start, end)
	if err != nil {
		t.Fatalf("FetchRaster: %v", err)
	}
	defer os.Remove(path)
	if polls < 3 {
		t.Errorf("expected at least 3 polls, got %d", polls)
	}
}

func TestFetchRaster_RedirectJob(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/data.tif", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiff-bytes"))
	})
	mux.HandleFunc("/jobs/j9", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "complete",
			"links":  []map[string]string{{"rel": "data", "href": srv.URL + "/data.tif"}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "jobs/j9", http.StatusSeeOther)
	})

	c := testClient(srv.URL)
	start, end := fetchWindow()
	path, err := c.FetchRaster(context.Background(), gas.PM, -118, 34, -117, 35, start, end)
	if err != nil {
		t.Fatalf("FetchRaster: %v", err)
	}
	os.Remove(path)
}

func TestFetchRaster_ClientErrorAborts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad subset", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start, end := fetchWindow()
	if _, err := c.FetchRaster(context.Background(), gas.NO2, -118, 34, -117, 35, start, end); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls != 1 {
		t.Errorf("400 should not be retried, got %d calls", calls)
	}
}

func TestFetchRaster_RetriesServerError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/tiff")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start, end := fetchWindow()
	path, err := c.FetchRaster(context.Background(), gas.AI, -118, 34, -117, 35, start, end)
	if err != nil {
		t.Fatalf("FetchRaster after retries: %v", err)
	}
	os.Remove(path)
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchRaster_NoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"links": []map[string]string{}})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start, end := fetchWindow()
	_, err := c.FetchRaster(context.Background(), gas.CH2O, -118, 34, -117, 35, start, end)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestFetchRaster_JobFailure(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/jobs/j2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "failed", "message": "granule error"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"jobID": "j2"})
	})

	c := testClient(srv.URL)
	start, end := fetchWindow()
	_, err := c.FetchRaster(context.Background(), gas.NO2, -118, 34, -117, 35, start, end)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected job failure error, got %v", err)
	}
}

func TestResolveToken_PrefersExisting(t *testing.T) {
	var minted bool
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/users/tokens", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "alice" || p == "" {
			t.Error("expected basic auth on token list")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]string{{"access_token": "existing"}})
	})
	mux.HandleFunc("/api/users/token", func(w http.ResponseWriter, r *http.Request) {
		minted = true
	})

	c := NewClient(Config{
		BaseURL:   srv.URL,
		TokenURL:  srv.URL + "/api/users/token",
		TokensURL: srv.URL + "/api/users/tokens",
		Username:  "alice",
		Password:  "secret",
	}, zap.NewNop())

	tok, err := c.ResolveToken(context.Background())
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if tok != "existing" {
		t.Errorf("token = %q, want existing", tok)
	}
	if minted {
		t.Error("mint endpoint should not be called when tokens exist")
	}
}

func TestResolveToken_MintsWhenNoneExist(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/users/tokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]string{})
	})
	mux.HandleFunc("/api/users/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("mint should be POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh"})
	})

	c := NewClient(Config{
		BaseURL:   srv.URL,
		TokenURL:  srv.URL + "/api/users/token",
		TokensURL: srv.URL + "/api/users/tokens",
		Username:  "alice",
		Password:  "secret",
	}, zap.NewNop())

	tok, err := c.ResolveToken(context.Background())
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("token = %q, want fresh", tok)
	}
}

func TestResolveToken_NoCredentials(t *testing.T) {
	c := NewClient(Config{}, zap.NewNop())
	if _, err := c.ResolveToken(context.Background()); err == nil {
		t.Fatal("expected error without credentials")
	}
}
