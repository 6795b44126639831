package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	// Name はテスト用の名前フィールド。
	Name string `json:"name"`
	// Value はテスト用の値フィールド。
	Value int `json:"value"`
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが30秒であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080")
		if client.BaseURL() != "http://localhost:8080" {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), "http://localhost:8080")
		}
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})

	t.Run("WithTimeoutでタイムアウトを変更できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithTimeout(2*time.Second))
		if client.httpClient.Timeout != 2*time.Second {
			t.Errorf("Timeout = %v, want 2s", client.httpClient.Timeout)
		}
	})

	t.Run("WithTimeoutに0以下を渡した場合はデフォルトのままであること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", WithTimeout(0))
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にPOSTリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			gotMethod, gotPath, gotContentType string
			gotBody                            []byte
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 200})
		}))
		defer ts.Close()

		var result testPayload
		err := New(ts.URL).PostJSON(context.Background(), "/auth/dev-token", testPayload{Name: "request", Value: 1}, &result)
		if err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotMethod != http.MethodPost || gotPath != "/auth/dev-token" {
			t.Errorf("リクエスト = %s %s", gotMethod, gotPath)
		}
		if gotContentType != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", gotContentType)
		}
		var sent testPayload
		if err := json.Unmarshal(gotBody, &sent); err != nil || sent.Name != "request" {
			t.Errorf("送信ボディ = %s, err = %v", gotBody, err)
		}
		if result.Name != "response" || result.Value != 200 {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("resultがnilの場合でもエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"status":"created"}`))
		}))
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/x", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := New(ts.URL).PostJSON(ctx, "/x", testPayload{}, nil); err == nil {
			t.Fatal("PostJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("正常にGETリクエストを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var gotBody []byte
		var gotContentType string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotContentType = r.Header.Get("Content-Type")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}))
		defer ts.Close()

		var result map[string]string
		if err := New(ts.URL).GetJSON(context.Background(), "/health", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if result["status"] != "ok" {
			t.Errorf("status = %q, want ok", result["status"])
		}
		if len(gotBody) != 0 || gotContentType != "" {
			t.Errorf("GETリクエストにボディが含まれている: %q (Content-Type=%q)", gotBody, gotContentType)
		}
	})

	t.Run("2xx以外の場合はStatusErrorが返ること", func(t *testing.T) {
		t.Parallel()

		for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable} {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
				w.Write([]byte(`{"status":"unhealthy"}`))
			}))

			err := New(ts.URL).GetJSON(context.Background(), "/health", nil)
			ts.Close()

			var statusErr *StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("status=%d: err = %v, want *StatusError", code, err)
			}
			if statusErr.StatusCode != code {
				t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, code)
			}
			if statusErr.Body != `{"status":"unhealthy"}` {
				t.Errorf("Body = %q", statusErr.Body)
			}
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{invalid json`))
		}))
		defer ts.Close()

		var result map[string]string
		if err := New(ts.URL).GetJSON(context.Background(), "/health", &result); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("接続できないサーバーに対してエラーが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://127.0.0.1:1", WithTimeout(time.Second))
		if err := client.GetJSON(context.Background(), "/health", nil); err == nil {
			t.Fatal("GetJSON()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestWithRequestID はリクエストIDの伝播を検証する。
func TestWithRequestID(t *testing.T) {
	t.Parallel()

	newServer := func(got *string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*got = r.Header.Get("X-Request-ID")
			w.WriteHeader(http.StatusOK)
		}))
	}

	t.Run("コンテキストのリクエストIDがヘッダーで伝播されること", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := newServer(&got)
		defer ts.Close()

		ctx := WithRequestID(context.Background(), "req-123")
		if err := New(ts.URL).GetJSON(ctx, "/health", nil); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if got != "req-123" {
			t.Errorf("X-Request-ID = %q, want %q", got, "req-123")
		}
	})

	t.Run("リクエストIDが無い場合はヘッダーが送信されないこと", func(t *testing.T) {
		t.Parallel()

		var got string
		ts := newServer(&got)
		defer ts.Close()

		if err := New(ts.URL).PostJSON(context.Background(), "/x", testPayload{}, nil); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}
		if got != "" {
			t.Errorf("X-Request-ID = %q, want empty string", got)
		}
	})
}
