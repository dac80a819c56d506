// Package doctor runs offline diagnostics against a conductor home: config,
// database, authz policy and backend reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/conductor/internal/authz"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/persistence"
)

const dialTimeout = 3 * time.Second

type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusWarn Status = "WARN"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkAuthz,
		checkBackends,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: fmt.Sprintf("expected at %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s as %s", cfg.HomeDir, cfg.ID)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var n int
	if err := store.Read(ctx, func(q *persistence.Queries) error {
		backends, err := q.ListBackends(ctx)
		n = len(backends)
		return err
	}); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Schema valid",
		Detail: fmt.Sprintf("%s, %d backends recorded online", cfg.DBPath, n)}
}

func checkAuthz(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Authz", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := authz.Load(cfg.AuthzPath)
	if err != nil {
		return CheckResult{Name: "Authz", Status: StatusFail, Message: err.Error(), Detail: cfg.AuthzPath}
	}
	if len(p.Rules) == 0 && p.Default != "allow" {
		return CheckResult{Name: "Authz", Status: StatusWarn, Message: "No rules, every request will be denied", Detail: cfg.AuthzPath}
	}
	return CheckResult{Name: "Authz", Status: StatusPass, Message: fmt.Sprintf("%d rules, default %s", len(p.Rules), defaultEffect(p))}
}

func defaultEffect(p authz.Policy) string {
	if p.Default == "" {
		return "deny"
	}
	return p.Default
}

// checkBackends dials every configured gateway over TCP. It does not speak
// the gateway protocol.
func checkBackends(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backends", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Backends) == 0 {
		return CheckResult{Name: "Backends", Status: StatusWarn, Message: "No backends configured"}
	}

	var details []string
	reachable := 0
	for _, b := range cfg.Backends {
		addr, err := dialAddr(b.URL)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %v", b.ID, err))
			continue
		}
		start := time.Now()
		if err := dial(ctx, addr); err != nil {
			details = append(details, fmt.Sprintf("%s: unreachable (%v)", b.ID, err))
			continue
		}
		reachable++
		details = append(details, fmt.Sprintf("%s: ok (%dms)", b.ID, time.Since(start).Milliseconds()))
	}

	status := StatusPass
	switch {
	case reachable == 0:
		status = StatusFail
	case reachable < len(cfg.Backends):
		status = StatusWarn
	}
	return CheckResult{
		Name:    "Backends",
		Status:  status,
		Message: fmt.Sprintf("%d of %d reachable", reachable, len(cfg.Backends)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func dial(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// dialAddr turns a gateway URL into host:port, defaulting the port by scheme.
func dialAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("bad url %q: missing host", raw)
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	switch u.Scheme {
	case "wss", "https":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "ws", "http":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return "", fmt.Errorf("bad url %q: unknown scheme %q", raw, u.Scheme)
}
