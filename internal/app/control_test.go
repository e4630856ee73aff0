package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newControlServer はhandlerを持つhttptestサーバーとそのクライアントを返す。
func newControlServer(t *testing.T, token string, handler http.HandlerFunc) *controlClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return newControlClient(server.URL, token)
}

func TestControlClient_SendsToken(t *testing.T) {
	var gotAuth string
	c := newControlServer(t, "s3cret", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer s3cret")
	}
}

func TestControlClient_ErrorBodyIsIncluded(t *testing.T) {
	c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"AUTH_IN_PROGRESS","message":"認可が進行中です。","category":"auth","action":"完了を待ってください。"}`))
	})

	err := c.AddAccount(context.Background(), "m.test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "認可が進行中です。") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestControlClient_RelayCallbackDoesNotLeakCode(t *testing.T) {
	var gotURL string
	c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.Query().Get("url")
		w.WriteHeader(http.StatusBadRequest)
	})

	raw := "toastodon://oauth/callback?code=secret-code&state=abc"
	err := c.RelayCallback(context.Background(), raw)
	if gotURL != raw {
		t.Errorf("relayed url = %q, want %q", gotURL, raw)
	}
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if strings.Contains(err.Error(), "secret-code") {
		t.Errorf("error should not contain the authorization code: %q", err.Error())
	}
}

func TestControlClient_RemoveAccountPath(t *testing.T) {
	var gotMethod, gotPath string
	c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.RemoveAccount(context.Background(), "m.test", "alice"); err != nil {
		t.Fatalf("RemoveAccount() error = %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/accounts/m.test/alice" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestControlClient_Unreachable(t *testing.T) {
	c := newControlClient("http://127.0.0.1:1", "")

	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRunAccounts_PrintsOneLinePerAccount(t *testing.T) {
	c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]accountSummary{
			{Domain: "a.test", AccountHandle: "alice", Active: true},
			{Domain: "b.test", AccountHandle: "bob"},
		})
	})

	var out bytes.Buffer
	if err := runAccounts(context.Background(), c, &out); err != nil {
		t.Fatalf("runAccounts() error = %v", err)
	}

	want := "alice@a.test\tactive\nbob@b.test\tinactive\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestRunLogin(t *testing.T) {
	setFastPolling(t)

	t.Run("永続化まで待って成功する", func(t *testing.T) {
		polls := 0
		c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/api/accounts":
				w.WriteHeader(http.StatusAccepted)
			case r.URL.Path == "/api/auth/mastodon.social":
				polls++
				st := authStatus{Domain: "mastodon.social", State: "awaiting_callback", Pending: true}
				if polls >= 3 {
					st = authStatus{Domain: "mastodon.social", State: "persisted"}
				}
				json.NewEncoder(w).Encode(st)
			default:
				http.NotFound(w, r)
			}
		})

		var out bytes.Buffer
		err := runLogin(context.Background(), c, &out, []string{"https://Mastodon.Social/"}, time.Minute)
		if err != nil {
			t.Fatalf("runLogin() error = %v", err)
		}
		if !strings.Contains(out.String(), "Authorized mastodon.social.") {
			t.Errorf("output = %q", out.String())
		}
		if polls < 3 {
			t.Errorf("polls = %d, want at least 3", polls)
		}
	})

	t.Run("失敗した状態はエラーになる", func(t *testing.T) {
		c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			json.NewEncoder(w).Encode(authStatus{Domain: "m.test", State: "errored"})
		})

		err := runLogin(context.Background(), c, &bytes.Buffer{}, []string{"m.test"}, time.Minute)
		if err == nil || !strings.Contains(err.Error(), "errored") {
			t.Errorf("runLogin() error = %v, want errored state", err)
		}
	})

	t.Run("引数がなければ使い方を返す", func(t *testing.T) {
		c := newControlClient("http://127.0.0.1:1", "")
		err := runLogin(context.Background(), c, &bytes.Buffer{}, nil, time.Minute)
		if err == nil || !strings.Contains(err.Error(), "usage") {
			t.Errorf("runLogin() error = %v, want usage", err)
		}
	})

	t.Run("不正なドメインはリクエスト前に拒否する", func(t *testing.T) {
		c := newControlServer(t, "", func(w http.ResponseWriter, r *http.Request) {
			t.Error("control API should not be called")
		})
		err := runLogin(context.Background(), c, &bytes.Buffer{}, []string{"alice:pw@m.test/path"}, time.Minute)
		if err == nil {
			t.Error("expected error, got nil")
		}
	})
}

func TestRunCallback_RequiresURL(t *testing.T) {
	c := newControlClient("http://127.0.0.1:1", "")
	if err := runCallback(context.Background(), c, nil); err == nil {
		t.Error("expected usage error, got nil")
	}
}

func TestRunLogout_RequiresDomainAndHandle(t *testing.T) {
	c := newControlClient("http://127.0.0.1:1", "")
	if err := runLogout(context.Background(), c, &bytes.Buffer{}, []string{"m.test"}); err == nil {
		t.Error("expected usage error, got nil")
	}
}

func setFastPolling(t *testing.T) {
	t.Helper()
	orig := loginPollInterval
	loginPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { loginPollInterval = orig })
}
