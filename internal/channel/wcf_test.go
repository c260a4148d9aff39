package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiulingyun/wechat-bot/internal/bus"
	"github.com/jiulingyun/wechat-bot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBridge is a websocket server speaking the bridge protocol.
type fakeBridge struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []wcfCommand
	reply    func(cmd wcfCommand) (bool, string, any)
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	b := &fakeBridge{t: t}
	b.reply = func(wcfCommand) (bool, string, any) { return true, "", nil }
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	for {
		var cmd wcfCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		b.mu.Lock()
		b.commands = append(b.commands, cmd)
		reply := b.reply
		b.mu.Unlock()

		ok, msg, data := reply(cmd)
		raw, _ := json.Marshal(data)
		b.write(map[string]any{"id": cmd.ID, "ok": ok, "error": msg, "data": json.RawMessage(raw)})
	}
}

func (b *fakeBridge) write(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		b.t.Error("no bridge connection")
		return
	}
	if err := b.conn.WriteJSON(v); err != nil {
		b.t.Errorf("bridge write: %v", err)
	}
}

func (b *fakeBridge) connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *fakeBridge) sent() []wcfCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wcfCommand(nil), b.commands...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startWCF(t *testing.T, b *fakeBridge) (*WCF, *bus.InMemoryBus) {
	t.Helper()
	w := NewWCF(WCFConfig{URL: b.url(), RequestTimeout: time.Second, ReconnectInterval: 20 * time.Millisecond, Logger: testLogger()})
	mb := bus.New(16, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx, mb)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitUntil(t, "connection", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.conn != nil && b.connected()
	})
	return w, mb
}

func TestWCF_PublishesInboundMessages(t *testing.T) {
	b := newFakeBridge(t)
	_, mb := startWCF(t, b)

	b.write(map[string]any{"event": "message", "data": map[string]any{
		"id": "42", "type": 1, "sender": "wxid_a", "content": "你好", "ts": 1700000000,
	}})

	select {
	case evt := <-mb.Subscribe():
		if evt.Kind != domain.KindText || evt.SenderID != "wxid_a" || evt.Content != "你好" || evt.ID != "42" {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestWCF_SendTextRoundTrip(t *testing.T) {
	b := newFakeBridge(t)
	w, _ := startWCF(t, b)

	if err := w.SendText(context.Background(), "wxid_a", "hello", []string{"x", "y"}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	cmds := b.sent()
	if len(cmds) != 1 || cmds[0].Cmd != "send_text" || cmds[0].ID == "" {
		t.Fatalf("unexpected commands %+v", cmds)
	}
	params := cmds[0].Params.(map[string]any)
	if params["receiver"] != "wxid_a" || params["msg"] != "hello" || params["aters"] != "x,y" {
		t.Errorf("unexpected params %v", params)
	}
}

func TestWCF_CommandError(t *testing.T) {
	b := newFakeBridge(t)
	b.reply = func(wcfCommand) (bool, string, any) { return false, "not logged in", nil }
	w, _ := startWCF(t, b)

	err := w.SendImage(context.Background(), "wxid_a", "/tmp/a.png")
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("expected bridge error, got %v", err)
	}
}

func TestWCF_DownloadReturnsPath(t *testing.T) {
	b := newFakeBridge(t)
	b.reply = func(cmd wcfCommand) (bool, string, any) {
		return true, "", map[string]string{"path": "/data/img/42.jpg"}
	}
	w, _ := startWCF(t, b)

	path, err := w.Download(context.Background(), domain.InboundEvent{ID: "42", Extra: "C:/x.dat"})
	if err != nil {
		t.Fatal(err)
	}
	if path != "/data/img/42.jpg" {
		t.Errorf("got %q", path)
	}
}

func TestWCF_UnreadFiltersAndOrders(t *testing.T) {
	b := newFakeBridge(t)
	since := time.Unix(1_700_000_000, 0)
	b.reply = func(cmd wcfCommand) (bool, string, any) {
		return true, "", []map[string]any{
			{"type": 1, "is_self": false, "content": "newest", "ts": 1_700_000_300},
			{"type": 1, "is_self": true, "content": "mine", "ts": 1_700_000_200},
			{"type": 3, "is_self": false, "content": "<img/>", "ts": 1_700_000_150},
			{"type": 1, "is_self": false, "content": "older", "ts": 1_700_000_100_000},
			{"type": 1, "is_self": false, "content": "seen", "ts": 1_700_000_000},
		}
	}
	w, _ := startWCF(t, b)

	got, err := w.Unread(context.Background(), "wxid_a", since)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "older" || got[1].Content != "newest" {
		t.Errorf("unexpected unread %+v", got)
	}
}

func TestWCF_LoginCallback(t *testing.T) {
	b := newFakeBridge(t)
	w, _ := startWCF(t, b)

	fired := make(chan struct{}, 1)
	w.OnLogin(func() { fired <- struct{}{} })
	b.write(map[string]any{"event": "login"})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("login callback not called")
	}
}

func TestWCF_CallWithoutConnection(t *testing.T) {
	w := NewWCF(WCFConfig{URL: "ws://127.0.0.1:1", Logger: testLogger()})
	if err := w.SendText(context.Background(), "a", "b", nil); err != ErrDisconnected {
		t.Errorf("expected ErrDisconnected, got %v", err)
	}
}

func TestParseMessage(t *testing.T) {
	verify := `<msg fromusername="wxid_new" encryptusername="v3_abc" fromnickname="阿花" content="我是阿花" sex="2" ticket="v4_xyz" scene="30" bigheadimgurl="http://wx.qlogo.cn/head" snsbgimgid="http://bg" province="Zhejiang" city="Hangzhou"></msg>`
	emoji := `<msg><emoji fromusername="a" md5="cff83445" cdnurl="http://vweixinf.tc.qq.com/110/stodownload?m=cff&amp;filekey=3044&amp;ef=1"></emoji></msg>`
	quote := `<msg><appmsg appid="" sdkver="0"><title>这个呢</title><type>57</type><refermsg><type>3</type><svrid>8812</svrid><fromusr>wxid_a</fromusr><chatusr>wxid_a</chatusr><displayname>小明</displayname><content>&lt;msg&gt;&lt;img/&gt;&lt;/msg&gt;</content></refermsg></appmsg></msg>`
	file := `<msg><appmsg><title>report.pdf</title><type>6</type></appmsg></msg>`

	t.Run("verify", func(t *testing.T) {
		evt := parseMessage(wcfMessage{ID: "1", Type: wxVerify, Sender: "fmessage", Content: verify})
		if evt.Kind != domain.KindVerify || evt.Verify == nil {
			t.Fatalf("unexpected %+v", evt)
		}
		v := evt.Verify
		if v.FromUser != "wxid_new" || v.EncryptUser != "v3_abc" || v.Ticket != "v4_xyz" || v.Scene != 30 || v.Nickname != "阿花" || v.Sex != "2" {
			t.Errorf("unexpected verify %+v", v)
		}
		if v.HeadImageURL != "http://wx.qlogo.cn/head" || v.MomentsBGURL != "http://bg" {
			t.Errorf("image urls not parsed: %+v", v)
		}
	})
	t.Run("emoji", func(t *testing.T) {
		evt := parseMessage(wcfMessage{Type: wxEmoticon, Sender: "a", Content: emoji})
		if evt.Kind != domain.KindEmoticon || evt.Emoji == nil {
			t.Fatalf("unexpected %+v", evt)
		}
		if evt.Emoji.MD5 != "cff83445" || !strings.Contains(evt.Emoji.CDNURL, "m=cff&filekey=3044") {
			t.Errorf("unexpected emoji %+v", evt.Emoji)
		}
	})
	t.Run("quote", func(t *testing.T) {
		evt := parseMessage(wcfMessage{Type: wxApp, Sender: "wxid_a", Content: quote})
		if evt.Kind != domain.KindQuote || evt.Quote == nil {
			t.Fatalf("unexpected %+v", evt)
		}
		q := evt.Quote
		if q.Title != "这个呢" || q.OriginMsgID != "8812" || q.OriginKind != domain.KindImage || q.DisplayName != "小明" {
			t.Errorf("unexpected quote %+v", q)
		}
		if evt.Content != "这个呢" {
			t.Errorf("content should be the new text, got %q", evt.Content)
		}
	})
	t.Run("file", func(t *testing.T) {
		if evt := parseMessage(wcfMessage{Type: wxApp, Content: file}); evt.Kind != domain.KindFile {
			t.Errorf("expected file, got %v", evt.Kind)
		}
	})
	t.Run("plain kinds", func(t *testing.T) {
		cases := map[int]domain.EventKind{
			wxText:  domain.KindText,
			wxImage: domain.KindImage,
			wxVoice: domain.KindVoice,
			wxVideo: domain.KindVideo,
			wxSys:   domain.KindSys,
			9999:    domain.KindUnknown,
		}
		for typ, want := range cases {
			if got := parseMessage(wcfMessage{Type: typ}).Kind; got != want {
				t.Errorf("type %d: got %v, want %v", typ, got, want)
			}
		}
	})
	t.Run("self and group flags", func(t *testing.T) {
		evt := parseMessage(wcfMessage{Type: wxText, IsSelf: true, IsGroup: true, RoomID: "r@chatroom", Thumb: "t.jpg"})
		if !evt.Self || !evt.Group || evt.RoomID != "r@chatroom" || evt.Extra != "t.jpg" {
			t.Errorf("unexpected %+v", evt)
		}
	})
}
