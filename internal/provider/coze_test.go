package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

func newTestCoze(srv *httptest.Server) *Coze {
	c := NewCoze(CozeConfig{
		BaseURL:      srv.URL,
		Auth:         StaticToken("tok"),
		PollInterval: time.Millisecond,
		HTTPClient:   srv.Client(),
		Logger:       testLogger(),
	})
	c.retry = retryPolicy{maxRetries: 2, baseDelay: time.Millisecond}
	return c
}

func writeEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "", "data": data})
}

func TestCoze_ChatCompletedListsMessages(t *testing.T) {
	var polls atomic.Int32
	var gotBody map[string]any
	var gotConv string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		gotConv = r.URL.Query().Get("conversation_id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, map[string]any{"id": "chat1", "conversation_id": "conv1", "status": "created"})
	})
	mux.HandleFunc("GET /v3/chat/retrieve", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("chat_id") != "chat1" || r.URL.Query().Get("conversation_id") != "conv1" {
			t.Errorf("unexpected retrieve query: %s", r.URL.RawQuery)
		}
		status := "in_progress"
		if polls.Add(1) >= 2 {
			status = "completed"
		}
		writeEnvelope(w, map[string]any{"id": "chat1", "conversation_id": "conv1", "status": status})
	})
	mux.HandleFunc("GET /v3/chat/message/list", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, []map[string]any{
			{"role": "assistant", "type": "function_call", "content": "{}"},
			{"role": "assistant", "type": "answer", "content": "你好&&&在的"},
			{"role": "assistant", "type": "follow_up", "content": "more?"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestCoze(srv)
	res, err := c.Chat(context.Background(), domain.ChatRequest{
		BotID:          "bot",
		UserID:         "wxid_a",
		ConversationID: "conv1",
		Items:          []domain.ContentItem{domain.Text{Text: "hi"}, domain.ImageRef{FileID: "f1"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Status != domain.ChatCompleted || res.ConversationID != "conv1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if answers := res.Answers(); len(answers) != 1 || answers[0] != "你好&&&在的" {
		t.Errorf("unexpected answers: %v", answers)
	}
	if gotConv != "conv1" {
		t.Errorf("expected conversation_id query, got %q", gotConv)
	}
	if gotBody["bot_id"] != "bot" || gotBody["user_id"] != "wxid_a" || gotBody["auto_save_history"] != true {
		t.Errorf("unexpected body: %v", gotBody)
	}
	msgs := gotBody["additional_messages"].([]any)
	msg := msgs[0].(map[string]any)
	if msg["content_type"] != "object_string" {
		t.Errorf("expected object_string, got %v", msg["content_type"])
	}
	if !strings.Contains(msg["content"].(string), `"file_id":"f1"`) {
		t.Errorf("expected encoded items, got %v", msg["content"])
	}
}

func TestCoze_ChatFailedSkipsMessageList(t *testing.T) {
	listed := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("conversation_id") {
			t.Error("no conversation id should be sent for a new session")
		}
		writeEnvelope(w, map[string]any{
			"id": "c", "conversation_id": "new", "status": "failed",
			"last_error": map[string]any{"code": 4011, "msg": "quota exceeded"},
		})
	})
	mux.HandleFunc("GET /v3/chat/message/list", func(w http.ResponseWriter, r *http.Request) {
		listed = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := newTestCoze(srv).Chat(context.Background(), domain.ChatRequest{BotID: "b", UserID: "u", Text: "sys"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Status != domain.ChatFailed || res.LastError == nil || res.LastError.Msg != "quota exceeded" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if listed {
		t.Error("failed chat must not list messages")
	}
}

func TestCoze_ChatHonorsContextWhilePolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/chat", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]any{"id": "c", "conversation_id": "v", "status": "in_progress"})
	})
	mux.HandleFunc("GET /v3/chat/retrieve", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]any{"id": "c", "conversation_id": "v", "status": "in_progress"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := newTestCoze(srv).Chat(ctx, domain.ChatRequest{Text: "x"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestCoze_APIErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 4100, "msg": "auth failed"})
	}))
	defer srv.Close()

	_, err := newTestCoze(srv).Chat(context.Background(), domain.ChatRequest{Text: "x"})
	if err == nil || !IsAPIError(err) {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestCoze_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(w, `{"data":"ok"}`)
	}))
	defer srv.Close()

	out, err := newTestCoze(srv).RunWorkflow(context.Background(), domain.WorkflowRequest{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	if out["data"] != "ok" || calls.Load() != 2 {
		t.Errorf("unexpected result %v after %d calls", out, calls.Load())
	}
}

func TestWorkflowWriter_SendsChatLogAsContent(t *testing.T) {
	var params map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			WorkflowID string         `json:"workflow_id"`
			BotID      string         `json:"bot_id"`
			Parameters map[string]any `json:"parameters"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.WorkflowID != "apology" || body.BotID != "bot" {
			t.Errorf("unexpected request: %+v", body)
		}
		params = body.Parameters
		writeEnvelope(w, `{"data":"稍等，我查一下"}`)
	}))
	defer srv.Close()

	ww := NewWorkflowWriter(newTestCoze(srv), "bot", "apology")
	got, err := ww.WriteFallback(context.Background(), "用户: 在吗")
	if err != nil {
		t.Fatal(err)
	}
	if got != "稍等，我查一下" {
		t.Errorf("unexpected reply %q", got)
	}
	if params["content"] != "用户: 在吗" {
		t.Errorf("unexpected params %v", params)
	}
}

func TestCoze_UploadAndTranscribeUseMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		writeEnvelope(w, map[string]any{"id": "file_1", "bytes": len(data), "file_name": hdr.Filename, "created_at": 1700000000})
	})
	mux.HandleFunc("POST /v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("form file: %v", err)
		}
		writeEnvelope(w, map[string]any{"text": "今天天气不错"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "photo.jpg")
	os.WriteFile(path, []byte("jpegdata"), 0o644)

	c := newTestCoze(srv)
	up, err := c.UploadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.ID != "file_1" || up.Bytes != 8 || up.FileName != "photo.jpg" {
		t.Errorf("unexpected upload result: %+v", up)
	}

	text, err := c.Transcribe(context.Background(), path)
	if err != nil || text != "今天天气不错" {
		t.Fatalf("transcribe: %q, %v", text, err)
	}
}

func TestCoze_UploadMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := newTestCoze(srv).UploadFile(context.Background(), "/nonexistent/x.jpg"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- JWT auth ---

func TestJWTAuth_SignsAssertionAndCachesToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	var issued atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/permission/oauth2/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.Parse(raw, func(tk *jwt.Token) (any, error) {
			if tk.Header["kid"] != "kid1" {
				return nil, fmt.Errorf("unexpected kid %v", tk.Header["kid"])
			}
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience("api.coze.cn"), jwt.WithIssuer("app1"))
		if err != nil || !tok.Valid {
			t.Errorf("invalid assertion: %v", err)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("unexpected grant type %v", body["grant_type"])
		}
		n := issued.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("at%d", n),
			"expires_in":   time.Now().Add(15 * time.Minute).Unix(),
		})
	}))
	defer srv.Close()

	auth, err := NewJWTAuth(JWTAuthConfig{
		BaseURL:    srv.URL,
		Audience:   "api.coze.cn",
		AppID:      "app1",
		KeyID:      "kid1",
		PrivateKey: key,
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		tok, err := auth.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok != "at1" {
			t.Fatalf("expected cached token, got %q", tok)
		}
	}
	if issued.Load() != 1 {
		t.Errorf("expected one exchange, got %d", issued.Load())
	}

	// Within the refresh margin the token is renewed.
	auth.now = func() time.Time { return time.Now().Add(15*time.Minute - 2*time.Second) }
	tok, err := auth.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "at2" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
}

func TestJWTAuth_RejectsMissingIdentity(t *testing.T) {
	if _, err := NewJWTAuth(JWTAuthConfig{}); err == nil {
		t.Fatal("expected error without private key")
	}
}

func TestCozeEndpoint(t *testing.T) {
	cases := []struct{ in, base, aud string }{
		{"api.coze.cn", "https://api.coze.cn", "api.coze.cn"},
		{"https://api.coze.com/", "https://api.coze.com", "api.coze.com"},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080", "127.0.0.1:8080"},
	}
	for _, tc := range cases {
		base, aud := CozeEndpoint(tc.in)
		if base != tc.base || aud != tc.aud {
			t.Errorf("CozeEndpoint(%q) = %q, %q", tc.in, base, aud)
		}
	}
}
