package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/model"
)

func idToken(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"oid":                "obj-1",
		"tid":                "tenant-1",
		"preferred_username": "admin@contoso.test",
	})
	s, err := tok.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client())
}

func TestRequestDeviceCode_OK(t *testing.T) {
	t.Parallel()

	var gotScope, gotPath string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPath = r.URL.Path
		gotScope = r.PostForm.Get("scope")
		_, _ = w.Write([]byte(`{"device_code":"dc","user_code":"ABCD-EFGH","verification_uri":"https://microsoft.com/devicelogin","expires_in":900,"interval":3,"message":"go sign in"}`))
	})
	before := time.Now()
	ch, err := c.RequestDeviceCode(context.Background(), "client", "tenant-1", []string{"Device.Read.All"})
	if err != nil {
		t.Fatalf("RequestDeviceCode: %v", err)
	}
	if gotPath != "/tenant-1/oauth2/v2.0/devicecode" {
		t.Fatalf("path=%q", gotPath)
	}
	if !strings.HasPrefix(gotScope, "Device.Read.All ") || !strings.Contains(gotScope, "offline_access") {
		t.Fatalf("scope=%q", gotScope)
	}
	if ch.UserCode != "ABCD-EFGH" || ch.DeviceCode != "dc" || ch.Interval != 3*time.Second {
		t.Fatalf("challenge mismatch: %+v", ch)
	}
	if ch.ExpiresAt.Before(before.Add(899 * time.Second)) {
		t.Fatalf("expiry too early: %v", ch.ExpiresAt)
	}
}

func TestRequestDeviceCode_Failures(t *testing.T) {
	t.Parallel()

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS700016"}`))
	})
	_, err := c.RequestDeviceCode(context.Background(), "client", "t", nil)
	if !errors.Is(err, errs.ErrFlowInitFailed) || !strings.Contains(err.Error(), "AADSTS700016") {
		t.Fatalf("want FlowInitFailed with description, got %v", err)
	}

	c = newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"device_code":"dc"}`))
	})
	if _, err := c.RequestDeviceCode(context.Background(), "client", "t", nil); !errors.Is(err, errs.ErrFlowInitFailed) {
		t.Fatalf("want FlowInitFailed on missing user code, got %v", err)
	}

	dead := New("http://127.0.0.1:1", nil)
	if _, err := dead.RequestDeviceCode(context.Background(), "client", "t", nil); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("want ErrNetwork, got %v", err)
	}
}

func TestPollToken_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"pending", http.StatusBadRequest, `{"error":"authorization_pending"}`, ErrAuthorizationPending},
		{"slow down", http.StatusBadRequest, `{"error":"slow_down"}`, ErrSlowDown},
		{"declined", http.StatusBadRequest, `{"error":"authorization_declined"}`, errs.ErrDenied},
		{"access denied", http.StatusBadRequest, `{"error":"access_denied"}`, errs.ErrDenied},
		{"bad code", http.StatusBadRequest, `{"error":"bad_verification_code"}`, errs.ErrDenied},
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, errs.ErrDenied},
		{"expired", http.StatusBadRequest, `{"error":"expired_token"}`, errs.ErrPollTimeout},
		{"upstream 503", http.StatusServiceUnavailable, `<html>upstream busy</html>`, errs.ErrNetwork},
		{"5xx with json", http.StatusInternalServerError, `{"error":"server_error"}`, errs.ErrNetwork},
		{"non-json 4xx", http.StatusBadRequest, `bad gateway`, errs.ErrNetwork},
		{"unknown code", http.StatusBadRequest, `{"error":"temporarily_unavailable"}`, errs.ErrNetwork},
		{"200 without token", http.StatusOK, `{"token_type":"Bearer"}`, errs.ErrNetwork},
		{"200 not json", http.StatusOK, `<html></html>`, errs.ErrNetwork},
	}
	for _, tc := range cases {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := c.PollToken(context.Background(), "client", "t", model.DeviceCodeChallenge{DeviceCode: "dc"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v, got %v", tc.name, tc.want, err)
		}
		if tc.want == errs.ErrNetwork && errors.Is(err, errs.ErrDenied) {
			t.Fatalf("%s: transient failure reported as denial: %v", tc.name, err)
		}
	}
}

func TestPollToken_Success(t *testing.T) {
	t.Parallel()

	id := idToken(t)
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != deviceCodeGrant || r.PostForm.Get("device_code") != "dc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","id_token":"` + id + `","scope":"Device.Read.All openid","expires_in":3600}`))
	})
	cred, err := c.PollToken(context.Background(), "client", "t", model.DeviceCodeChallenge{DeviceCode: "dc"})
	if err != nil {
		t.Fatalf("PollToken: %v", err)
	}
	if cred.AccessToken != "at" || cred.RefreshToken != "rt" {
		t.Fatalf("tokens mismatch: %+v", cred)
	}
	if cred.Account.Username != "admin@contoso.test" || cred.Account.HomeAccountID != "obj-1.tenant-1" {
		t.Fatalf("account mismatch: %+v", cred.Account)
	}
	if !cred.HasScopes([]string{"Device.Read.All"}) || !cred.Valid(time.Now()) {
		t.Fatalf("credential not usable: %+v", cred)
	}
}

func TestRefreshToken(t *testing.T) {
	t.Parallel()

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("refresh_token") != "rt" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at2","expires_in":60}`))
	})
	cred, err := c.RefreshToken(context.Background(), "client", "t", "rt", []string{"A"})
	if err != nil || cred.AccessToken != "at2" || len(cred.Scopes) != 1 || cred.Scopes[0] != "A" {
		t.Fatalf("refresh: %+v %v", cred, err)
	}
	if _, err := c.RefreshToken(context.Background(), "client", "t", "stale", nil); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestPost_ContextCanceled(t *testing.T) {
	t.Parallel()

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.PollToken(ctx, "client", "t", model.DeviceCodeChallenge{DeviceCode: "dc"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
