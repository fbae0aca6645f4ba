package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "scrimbot/pkg/logx"
)

func TestLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"not-an-addr":    false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":            "/debug/pprof/",
		"prof":        "/prof/",
		"/ops/pprof":  "/ops/pprof/",
		"/ops/pprof/": "/ops/pprof/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Token: "s3cret"}, logx.Nop())
	h := s.handler(s.cfg)

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "missing", target: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong bearer", target: "/healthz", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", target: "/healthz", header: "Bearer s3cret", want: http.StatusOK},
		{name: "query", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "pprof not mounted", target: "/debug/pprof/?token=s3cret", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestStatusProbes(t *testing.T) {
	t.Parallel()
	ok := Probe{Name: "queue", Status: func(context.Context) (any, error) {
		return map[string]int{"ready": 3}, nil
	}}
	bad := Probe{Name: "kv", Status: func(context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}}

	s := New(Config{Enabled: true}, logx.Nop(), ok)
	rec := httptest.NewRecorder()
	s.handler(s.cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["queue"]["ready"] != 3 {
		t.Fatalf("body = %v", body)
	}

	s = New(Config{Enabled: true}, logx.Nop(), ok, bad)
	rec = httptest.NewRecorder()
	s.handler(s.cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status with failing probe = %d", rec.Code)
	}
}

func TestPprofUnderPrefix(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Pprof: true, PprofPrefix: "/ops/pprof"}, logx.Nop())
	h := s.handler(s.cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pprof", nil))
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("base status = %d", rec.Code)
	}
}

func TestStartStopServes(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	addr := ""
	for addr == "" && ctx.Err() == nil {
		time.Sleep(20 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(b) != "ok" {
		t.Fatalf("healthz = %q", b)
	}

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("addr still set after Stop")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("serveOnce accepted unauthenticated public bind")
	}
}
