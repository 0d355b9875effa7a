package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"wagate/internal/channel"
	"wagate/internal/channel/channeltest"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/internal/template"
	logx "wagate/pkg/logx"
)

type testAPI struct {
	*API
	fake   *channeltest.Fake
	server *httptest.Server
	token  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	fake := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
	reg := session.NewRegistry(fake.Factory(), session.RegistryConfig{
		Machine: session.MachineConfig{
			ValidationCeiling: 200 * time.Millisecond,
			ProbeInterval:     5 * time.Millisecond,
			ProbeBudget:       50 * time.Millisecond,
		},
	}, logx.Nop(), nil)
	t.Cleanup(func() { reg.Stop(context.Background()) })

	res := template.NewResolver("whatsapp", nil, logx.Nop())
	disp := dispatch.New(reg, res, dispatch.Config{
		MaxAttempts:        3,
		RetryBase:          time.Millisecond,
		PerRecipientDelay:  time.Millisecond,
		PerAttachmentDelay: time.Millisecond,
		ReadyTimeout:       2 * time.Second,
		CountryPrefix:      "62",
	}, logx.Nop(), nil)

	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "audit"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	disp.SetAudit(storage.NewSink(store))

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	auth := NewAuthenticator("test-secret", time.Hour, []config.UserConfig{
		{Username: "ops", PasswordHash: string(hash)},
	})

	api := New(reg, disp, store, auth, logx.Nop())
	api.SetUploadDir(t.TempDir())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	token, err := auth.Login("ops", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return &testAPI{API: api, fake: fake, server: srv, token: token}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLoginAndAuthRequired(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	t.Run("wrong password rejected", func(t *testing.T) {
		resp, err := http.Post(a.server.URL+"/auth/login", "application/json",
			strings.NewReader(`{"username":"ops","password":"wrong"}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		resp, err := http.Get(a.server.URL + "/tenants/acme/status")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		resp := a.do(t, http.MethodGet, "/tenants/acme/status", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestTriggerLoginEndpoint(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/tenants/acme/login?timeout=2s", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decode[session.LoginResult](t, resp)
	if !res.Authenticated {
		t.Fatalf("unexpected login result: %+v", res)
	}
}

func TestTriggerLoginRejectsBadTimeout(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/tenants/acme/login?timeout=never", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendEndpoint(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/tenants/acme/messages", sendRequest{
		Recipient: "0812000111",
		Body:      "hello",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decode[map[string]bool](t, resp)
	if !out["success"] {
		t.Fatalf("send result = %v", out)
	}
	if texts := a.fake.SentTexts(); len(texts) != 1 || texts[0].Text != "hello" {
		t.Fatalf("unexpected sends: %+v", texts)
	}
}

func TestSendEndpointInvalidRecipient(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/tenants/acme/messages", sendRequest{
		Recipient: "not a number",
		Body:      "hello",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendBulkEndpoint(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/tenants/acme/messages/bulk", sendRequest{
		Recipients:        []string{"0812000111", "0812000222"},
		Body:              "hi",
		PerRecipientDelay: "1ms",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decode[struct {
		Results []dispatch.Result `json:"results"`
	}](t, resp)
	if len(out.Results) != 2 || !out.Results[0].Success || !out.Results[1].Success {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
}

func TestDeliveriesEndpoint(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	a.do(t, http.MethodPost, "/tenants/acme/messages", sendRequest{
		Recipient: "0812000111",
		Body:      "hello",
	})

	resp := a.do(t, http.MethodGet, "/tenants/acme/deliveries?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decode[struct {
		Deliveries []storage.DeliveryEntry `json:"deliveries"`
	}](t, resp)
	if len(out.Deliveries) != 1 || !out.Deliveries[0].Success {
		t.Fatalf("unexpected deliveries: %+v", out.Deliveries)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	a.do(t, http.MethodPost, "/tenants/acme/login?timeout=2s", nil)

	resp := a.do(t, http.MethodDelete, "/tenants/acme/session", nil)
	out := decode[map[string]bool](t, resp)
	if !out["logged_out"] {
		t.Fatalf("logout result = %v", out)
	}

	again := a.do(t, http.MethodDelete, "/tenants/acme/session", nil)
	out2 := decode[map[string]bool](t, again)
	if out2["logged_out"] {
		t.Fatal("second logout reported an existing session")
	}
}
