package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/neodb-bridge/internal/convert"
	"github.com/and161185/neodb-bridge/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "neodb-bridge")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoadRemove(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	want := tokenFile{Server: "https://bridge.test", AccessToken: "tok", ExpiresAt: time.Now().Add(time.Minute)}
	if err := saveToken(want); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	st, err := os.Stat(tokenPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", st, err)
	}
	got, err := loadToken()
	if err != nil || got.AccessToken != "tok" || got.Server != "https://bridge.test" {
		t.Fatalf("loadToken: %+v err=%v", got, err)
	}

	want.ExpiresAt = time.Now().Add(-time.Minute)
	if err := saveToken(want); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}

	if err := removeToken(); err != nil {
		t.Fatalf("removeToken: %v", err)
	}
	if err := removeToken(); err != nil {
		t.Fatalf("removeToken twice: %v", err)
	}
}

func Test_sessionExpiry(t *testing.T) {
	exp := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("whatever"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got := sessionExpiry(tok, time.Minute); !got.Equal(exp) {
		t.Fatalf("sessionExpiry = %s, want %s", got, exp)
	}
	if got := sessionExpiry("garbage", time.Minute); time.Until(got) > time.Minute {
		t.Fatalf("fallback not applied: %s", got)
	}
}

func Test_loadTLS(t *testing.T) {
	if c, err := loadTLS("", false); err != nil || c != nil {
		t.Fatalf("default: %v %v", c, err)
	}
	if c, err := loadTLS("", true); err != nil || !c.InsecureSkipVerify {
		t.Fatalf("insecure: %v %v", c, err)
	}
	bad := filepath.Join(t.TempDir(), "ca.pem")
	_ = os.WriteFile(bad, []byte("not pem"), 0o600)
	if _, err := loadTLS(bad, false); err == nil {
		t.Fatalf("expected error for bad CA")
	}
	if _, err := loadTLS(filepath.Join(t.TempDir(), "missing.pem"), false); err == nil {
		t.Fatalf("expected error for missing CA")
	}
}

// fakeBridge serves the harvest endpoints from a scripted step sequence.
type fakeBridge struct {
	mu        sync.Mutex
	steps     []int // status codes; 200 advances percent
	stepCalls int
	finalized bool
	auth      string
}

func (f *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = r.Header.Get("Authorization")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/harvest/marks":
		var req convert.StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Year != 2024 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(convert.ErrorView{Error: errs.InvalidRequest})
			return
		}
		_ = json.NewEncoder(w).Encode(convert.StartView{ID: "t1"})
	case r.Method == http.MethodPost && r.URL.Path == "/api/harvest/marks/t1/step":
		code := f.steps[f.stepCalls]
		f.stepCalls++
		if code != http.StatusOK {
			w.WriteHeader(code)
			ev := convert.ErrorView{Error: errs.Conflict}
			if code == http.StatusUnprocessableEntity {
				ev = convert.ErrorView{Error: errs.TaskFailed, Message: "remote status 500"}
			}
			_ = json.NewEncoder(w).Encode(ev)
			return
		}
		done := f.stepCalls == len(f.steps)
		pct := f.stepCalls * 100 / len(f.steps)
		_ = json.NewEncoder(w).Encode(convert.StepView{Done: done, Written: 1, Task: convert.TaskView{ID: "t1", Percent: pct, Category: "wishlist", Page: f.stepCalls}})
	case r.Method == http.MethodDelete && r.URL.Path == "/api/harvest/marks/t1":
		f.finalized = true
		_ = json.NewEncoder(w).Encode(convert.FinalizeView{TotalCollected: 3})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(convert.ErrorView{Error: errs.TaskNotFound})
	}
}

func Test_runHarvest_RetriesConflictsAndFinalizes(t *testing.T) {
	fb := &fakeBridge{steps: []int{200, 409, 200, 200}}
	srv := httptest.NewServer(fb)
	defer srv.Close()

	c, err := newAPIClient(srv.URL+"/", "", false, "sess")
	if err != nil {
		t.Fatalf("newAPIClient: %v", err)
	}
	var out bytes.Buffer
	total, err := runHarvest(context.Background(), c, 2024, 0, &out)
	if err != nil {
		t.Fatalf("runHarvest: %v", err)
	}
	if total != 3 || !fb.finalized || fb.stepCalls != 4 {
		t.Fatalf("total=%d finalized=%v steps=%d", total, fb.finalized, fb.stepCalls)
	}
	if fb.auth != "Bearer sess" {
		t.Fatalf("auth header: %q", fb.auth)
	}
	if !strings.Contains(out.String(), "100%") {
		t.Fatalf("progress output: %s", out.String())
	}
}

func Test_runHarvest_StopsOnTaskFailure(t *testing.T) {
	fb := &fakeBridge{steps: []int{200, 422, 200}}
	srv := httptest.NewServer(fb)
	defer srv.Close()

	c, _ := newAPIClient(srv.URL, "", false, "sess")
	_, err := runHarvest(context.Background(), c, 2024, 0, &bytes.Buffer{})
	if !isCode(err, errs.TaskFailed) {
		t.Fatalf("want task_failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "remote status 500") {
		t.Fatalf("message lost: %v", err)
	}
	if fb.finalized {
		t.Fatalf("failed task finalized")
	}
}

func Test_apiClient_ErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(&fakeBridge{})
	defer srv.Close()
	c, _ := newAPIClient(srv.URL, "", false, "")

	_, err := c.startHarvest(context.Background(), 1999)
	var ae *apiError
	if !isCode(err, errs.InvalidRequest) || !errors.As(err, &ae) || ae.Status != http.StatusBadRequest {
		t.Fatalf("want invalid_request 400, got %v", err)
	}
	if _, err := c.harvestStatus(context.Background(), "nope"); !isCode(err, errs.TaskNotFound) {
		t.Fatalf("want task_not_found, got %v", err)
	}
}

func Test_loginCommand(t *testing.T) {
	_ = withTmpConfig(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--server", "https://bridge.test", "login", "--instance", "neodb.social"})
	if err := root.Execute(); err != nil {
		t.Fatalf("login url: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "https://bridge.test/api/auth/neodb/start?instance=neodb.social" {
		t.Fatalf("start url = %s", got)
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetIn(strings.NewReader("  sess-token\n"))
	root.SetArgs([]string{"--server", "https://bridge.test", "login", "--token", "-"})
	if err := root.Execute(); err != nil {
		t.Fatalf("login token: %v", err)
	}
	tf, err := loadToken()
	if err != nil || tf.AccessToken != "sess-token" || tf.Server != "https://bridge.test" {
		t.Fatalf("saved token: %+v %v", tf, err)
	}
}
