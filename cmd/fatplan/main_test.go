package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/glennswest/fatplan/pkg/config"
	"github.com/glennswest/fatplan/pkg/network"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"version", []string{"version"}, []string{"fatplan dev"}},
		{"plan", []string{"plan", "--k", "2"}, []string{"k=2", "10.0.0.0/30", "10.10.0.0/30", "server-access"}},
		{"routes", []string{"routes", "pod0.access1"}, []string{"pod0.access1 (access", "10.0.0.0/24", "255.255.255.0", "10.1.0.0/16"}},
		{"lookup", []string{"lookup", "pod0.aggr0", "10.2.0.1", "--policy", "first"}, []string{"route:      10.2.0.0/16", "selected:   10.10.0.2", "(first)"}},
		{"trace", []string{"trace", "pod0.server0", "pod3.server3"}, []string{"pod0.access0", "connected", "delivered to pod3.server3 after 5 switches"}},
		{"balance", []string{"balance", "pod0.aggr0", "pod2.server0", "--flows", "100", "--policy", "round-robin"}, []string{"100 flows", "50.0%"}},
		{"verify", []string{"verify", "--k", "6"}, []string{"2862 of 2862 server pairs delivered"}},
		{"dry run", []string{"apply", "--node", "core1", "--dry-run"}, []string{"core1 (core, 4 routes)", "10.3.0.0/16"}},
		{"plan document", []string{"plan", "--k", "2", "--format", "json"}, []string{`"planId"`, `"subnet": "10.0.0.0/30"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if err != nil {
				t.Fatalf("%v: %v\n%s", tt.args, err, out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("%v: output missing %q:\n%s", tt.args, want, out)
				}
			}
		})
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"odd k", []string{"plan", "--k", "5"}, network.ErrUnsupportedTopology},
		{"k too large", []string{"plan", "--k", "12"}, network.ErrAddressSpaceExhausted},
		{"bad policy", []string{"routes", "--policy", "weighted"}, network.ErrConfiguration},
		{"apply without node", []string{"apply", "--dry-run"}, network.ErrConfiguration},
		{"bad ifmap", []string{"apply", "--node", "core0", "--ifmap", "eth0"}, network.ErrConfiguration},
		{"unknown driver", []string{"apply", "--node", "core0", "--driver", "ovs"}, network.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); !errors.Is(err, tt.want) {
				t.Errorf("%v: expected %v, got %v", tt.args, tt.want, err)
			}
		})
	}

	if _, err := run(t, "routes", "pod7.server0"); err == nil {
		t.Error("expected an error for an unknown node")
	}
}

func TestExportAndBaseline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")

	out, err := run(t, "plan", "--export", path)
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	if !strings.Contains(out, "48 links, 36 tables written to "+path) {
		t.Errorf("unexpected plan output:\n%s", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("export missing: %v", err)
	}

	out, err = run(t, "verify", "--baseline", path)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "baseline: 240 of 240 server pairs delivered") {
		t.Errorf("baseline tables not checked:\n%s", out)
	}
	if !strings.Contains(out, "matches baseline") {
		t.Errorf("expected a baseline match:\n%s", out)
	}

	out, err = run(t, "verify", "--k", "2", "--baseline", path)
	if err == nil {
		t.Fatalf("expected differences against a k=4 baseline:\n%s", out)
	}
	if !strings.Contains(out, "plan id") || !strings.Contains(out, "table removed") {
		t.Errorf("unexpected diff output:\n%s", out)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fatplan.yaml")
	if err := os.WriteFile(path, []byte("fabric:\n  k: 2\nmultipath:\n  policy: first\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "verify", "--config", path)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 of 2 server pairs delivered (policy first)") {
		t.Errorf("config not applied:\n%s", out)
	}
}

func TestApplyRouterOS(t *testing.T) {
	var (
		mu   sync.Mutex
		adds int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/ip/route":
			w.Write([]byte("[]"))
		case r.Method == http.MethodPost && r.URL.Path == "/ip/route/add":
			mu.Lock()
			adds++
			mu.Unlock()
			w.Write([]byte("{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fatplan.yaml")
	cfg := fmt.Sprintf("driver:\n  kind: routeros\n  routeros:\n    restUrl: %s\n", srv.URL)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	statePath := filepath.Join(dir, "applied.yaml")

	out, err := run(t, "apply", "--config", cfgPath, "--node", "core2", "--state", statePath)
	if err != nil {
		t.Fatalf("apply: %v\n%s", err, out)
	}
	if !strings.Contains(out, "core2: 4 routes applied via routeros") {
		t.Errorf("unexpected output:\n%s", out)
	}
	mu.Lock()
	got := adds
	mu.Unlock()
	if got != 4 {
		t.Errorf("expected 4 route adds, got %d", got)
	}

	raw, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("state not written: %v", err)
	}
	if !strings.Contains(string(raw), "core2:") {
		t.Errorf("state missing core2:\n%s", raw)
	}
}
