package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/agatticelli/retail-dashboard/internal/auth"
	"github.com/agatticelli/retail-dashboard/internal/status"
)

// writeConfig writes a config file keeping the credentials in a temp dir.
// authExtra is appended to the auth block and extra to the file.
func writeConfig(t *testing.T, authExtra, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`auth:
  storage_path: %s
%sobservability:
  logging:
    level: error
  metrics:
    enabled: false
%s`, filepath.Join(dir, "credentials.yaml"), authExtra, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd("test", &out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func signToken(t *testing.T, exp time.Time, authorities ...string) string {
	t.Helper()
	claims := &auth.Claims{
		UserID:      7,
		Email:       "ada@example.com",
		Name:        "Ada",
		IPAddress:   "10.0.0.1",
		Authorities: authorities,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestRootCmd_Commands(t *testing.T) {
	cmd := newRootCmd("test", io.Discard)

	for _, name := range []string{"login", "logout", "whoami", "fetch", "cache", "warm", "status", "serve"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "log-level", "output"} {
		require.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	cfg := writeConfig(t, "", "")
	token := signToken(t, time.Now().Add(time.Hour), auth.RoleAdmin, "REPORTS_READ")

	out, err := run(t, cfg, "login", "--access-token", token, "--refresh-token", "refresh")
	require.NoError(t, err)
	require.Equal(t, "Signed in as Ada <ada@example.com>\n", out)

	out, err = run(t, cfg, "whoami")
	require.NoError(t, err)
	var s session
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	require.Equal(t, "ada@example.com", s.User.Username)
	require.Equal(t, "admin", s.User.Role)
	require.True(t, s.Admin)
	require.Equal(t, "10.0.0.1", s.IPAddress)
	require.Contains(t, s.Permissions, "REPORTS_READ")

	out, err = run(t, cfg, "logout")
	require.NoError(t, err)
	require.Equal(t, "Signed out\n", out)

	_, err = run(t, cfg, "whoami")
	require.ErrorIs(t, err, errNotSignedIn)

	t.Log("✓ Session survives across invocations until logout")
}

func TestLogin_RejectsExpiredToken(t *testing.T) {
	cfg := writeConfig(t, "", "")
	token := signToken(t, time.Now().Add(-time.Minute))

	_, err := run(t, cfg, "login", "--access-token", token, "--refresh-token", "refresh")
	require.Error(t, err)

	_, err = run(t, cfg, "whoami")
	require.ErrorIs(t, err, errNotSignedIn)
}

func TestFetch_ThroughProxy(t *testing.T) {
	token := signToken(t, time.Now().Add(time.Hour))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/proxy/orders/revenue" || r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"total":42,"from":%q,"storeId":%q}`, body["fromDate"], body["storeId"])
	}))
	defer srv.Close()

	cfg := writeConfig(t,
		fmt.Sprintf("  cookie_url: %s\n", srv.URL),
		fmt.Sprintf("api:\n  base_url: %s/api/proxy\n", srv.URL))

	_, err := run(t, cfg, "fetch", "orders/revenue")
	require.ErrorIs(t, err, errNotSignedIn)

	_, err = run(t, cfg, "login", "--access-token", token, "--refresh-token", "refresh")
	require.NoError(t, err)

	out, err := run(t, cfg, "fetch", "orders/revenue", "--from", "2024-01-01", "--to", "2024-01-31", "-p", "storeId=3")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, float64(42), got["total"])
	require.Equal(t, "2024-01-01", got["from"])
	require.Equal(t, "3", got["storeId"])
	require.Equal(t, int32(1), calls.Load())

	out, err = run(t, cfg, "-o", "yaml", "fetch", "orders/revenue")
	require.NoError(t, err)
	require.Contains(t, out, "total: 42")
}

func TestFetch_DirectCarriesRangeAndParams(t *testing.T) {
	token := signToken(t, time.Now().Add(time.Hour))

	var gotPath, gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotPath.Store(r.URL.Path)
		gotQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"via":"direct"}`))
	}))
	defer srv.Close()

	cfg := writeConfig(t,
		fmt.Sprintf("  cookie_url: %s\n", srv.URL),
		fmt.Sprintf("api:\n  base_url: %s/api/proxy\n  direct_url: %s/direct\n", srv.URL, srv.URL))

	_, err := run(t, cfg, "login", "--access-token", token, "--refresh-token", "refresh")
	require.NoError(t, err)

	out, err := run(t, cfg, "fetch", "orders/revenue", "--direct", "--from", "2024-01-01", "--to", "2024-01-31", "-p", "storeId=3")
	require.NoError(t, err)
	require.JSONEq(t, `{"via":"direct"}`, out)
	require.Equal(t, "/direct/orders/revenue", gotPath.Load())
	require.Equal(t, "fromDate=2024-01-01&storeId=3&toDate=2024-01-31", gotQuery.Load())

	_, err = run(t, cfg, "fetch", "orders/revenue", "--direct", "--method", "post")
	require.ErrorContains(t, err, "--direct only supports GET")
}

func TestStatusReportAndPoll(t *testing.T) {
	board := status.NewBoard(status.BoardConfig{})
	srv := httptest.NewServer(status.NewHandler(board, nil))
	defer srv.Close()

	cfg := writeConfig(t, "", fmt.Sprintf(`status:
  board_url: %s
  min_interval: 10ms
`, srv.URL))

	out, err := run(t, cfg, "status", "report", "orders", "--mount", "--loaded", "--success", "Orders page is ready")
	require.NoError(t, err)
	var st status.PageStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.True(t, st.DataLoaded)
	require.Equal(t, 1, st.SuccessCount)

	orders := board.Pages()["orders"]
	require.True(t, orders.DataLoaded)
	require.Equal(t, 1, orders.SuccessCount)
	require.Equal(t, "Orders page is ready", orders.LastSuccess)

	out, err = run(t, cfg, "status", "poll")
	require.NoError(t, err)
	var feed status.Feed
	require.NoError(t, json.Unmarshal([]byte(out), &feed))
	require.Equal(t, 1, feed.Count)
	require.Equal(t, "Orders - Success", feed.Notifications[0].Title)
}

func TestServe_Endpoints(t *testing.T) {
	t.Setenv("DASHBOARD_OBSERVABILITY_METRICS_ENABLED", "true")
	cfg := writeConfig(t, "", `http:
  shutdown_timeout: 1s
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := &globalOptions{configPath: cfg, output: "json", out: io.Discard}
	rt, err := g.runtime(ctx)
	require.NoError(t, err)
	defer rt.close(context.Background())

	handler, err := rt.boardHandler(ctx)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- rt.serve(ctx, ln, handler) }()

	base := "http://" + ln.Addr().String()
	for _, path := range []string{"/health", "/ready", "/metrics", status.Path} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Post(base+status.Path, "application/json", strings.NewReader(`{"pageName":"orders","errorCount":1,"lastError":"boom"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	t.Log("✓ Board, health, readiness and metrics served until cancelled")
}
