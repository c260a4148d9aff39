package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/jiulingyun/wechat-bot/internal/domain"
)

type addedItem struct {
	key  string
	item domain.ContentItem
}

type recordingAdder struct {
	mu        sync.Mutex
	items     []addedItem
	exclusive []string
}

func (r *recordingAdder) AddItem(ctx context.Context, key string, item domain.ContentItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, addedItem{key: key, item: item})
}

// Exclusive runs fn inline; feedback is recorded like a buffered item.
func (r *recordingAdder) Exclusive(key string, inflight []domain.ContentItem, fn func(ctx context.Context) domain.ContentItem) error {
	r.mu.Lock()
	r.exclusive = append(r.exclusive, key)
	r.mu.Unlock()
	if feedback := fn(context.Background()); feedback != nil {
		r.AddItem(context.Background(), key, feedback)
	}
	return nil
}

func (r *recordingAdder) all() []addedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

type fakeDirect struct {
	mu       sync.Mutex
	texts    map[string][]string
	feedback domain.ContentItem
	err      error
}

func (f *fakeDirect) Direct(ctx context.Context, key, text string) (domain.ContentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.texts == nil {
		f.texts = map[string][]string{}
	}
	f.texts[key] = append(f.texts[key], text)
	return f.feedback, f.err
}

type handlerFixture struct {
	h        *Handlers
	adder    *recordingAdder
	direct   *fakeDirect
	backend  *fakeBackend
	platform *fakePlatform
	store    *fakeStore
	mediaDir string
}

func newHandlerFixture(t *testing.T, imageFlow string) *handlerFixture {
	t.Helper()
	dir := t.TempDir()
	media := filepath.Join(dir, "in.bin")
	if err := os.WriteFile(media, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &handlerFixture{
		adder:    &recordingAdder{},
		direct:   &fakeDirect{},
		backend:  newFakeBackend(),
		platform: &fakePlatform{download: media},
		store:    newFakeStore(),
		mediaDir: filepath.Join(dir, "media"),
	}
	f.h = NewHandlers(HandlersConfig{
		Buffer:                    f.adder,
		Direct:                    f.direct,
		Backend:                   f.backend,
		Platform:                  f.platform,
		Files:                     f.store,
		MediaDir:                  f.mediaDir,
		BotID:                     "bot",
		ImageUnderstandWorkflowID: imageFlow,
		Logger:                    testLogger(),
	})
	return f
}

func (f *handlerFixture) only(t *testing.T) domain.ContentItem {
	t.Helper()
	items := f.adder.all()
	if len(items) != 1 {
		t.Fatalf("expected one buffered item, got %+v", items)
	}
	return items[0].item
}

func TestHandlers_Text(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindText, SenderID: "A", Content: "你好"})
	f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindText, SenderID: "A", Content: "   "})

	if got := f.only(t); got != (domain.Text{Text: "你好"}) {
		t.Errorf("unexpected item %v", got)
	}
}

func TestHandlers_GroupIgnored(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindText, SenderID: "A", RoomID: "room@chatroom", Group: true, Content: "hi"})
	if n := len(f.adder.all()); n != 0 {
		t.Errorf("group message must be ignored, got %d items", n)
	}
}

func TestHandlers_ImageUploadsAndRecords(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "m1", Kind: domain.KindImage, SenderID: "A"})

	if got := f.only(t); got != (domain.ImageRef{FileID: "file_1"}) {
		t.Errorf("unexpected item %v", got)
	}
	rec, _ := f.store.FindFileByOrigin(context.Background(), "m1")
	if rec == nil || rec.FileID != "file_1" || rec.FileType != "image" {
		t.Errorf("file record not saved: %+v", rec)
	}
}

func TestHandlers_FileAndVideoBecomeFileRefs(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "m1", Kind: domain.KindFile, SenderID: "A"})
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "m2", Kind: domain.KindVideo, SenderID: "A"})

	items := f.adder.all()
	if len(items) != 2 {
		t.Fatalf("expected two items, got %d", len(items))
	}
	for _, it := range items {
		if _, ok := it.item.(domain.FileRef); !ok {
			t.Errorf("expected FileRef, got %T", it.item)
		}
	}
}

func TestHandlers_MediaFailureBecomesPlaceholder(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.platform.dlErr = errors.New("timeout")
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "m1", Kind: domain.KindImage, SenderID: "A"})

	if got := f.only(t); got != (domain.Text{Text: imageFailedText}) {
		t.Errorf("unexpected item %v", got)
	}
}

func TestHandlers_VoiceTranscribed(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.backend.transcript = "明天见"
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "v1", Kind: domain.KindVoice, SenderID: "A"})

	if got := f.only(t); got != (domain.Text{Text: "[语音消息]明天见"}) {
		t.Errorf("unexpected item %v", got)
	}
	rec, _ := f.store.FindFileByOrigin(context.Background(), "v1")
	if rec == nil || rec.FileType != "audio" || rec.MsgContent != "明天见" {
		t.Errorf("voice record should keep the transcription: %+v", rec)
	}
}

func TestHandlers_VoiceFailure(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.backend.transcribeErr = errors.New("asr down")
	f.h.Handle(context.Background(), domain.InboundEvent{ID: "v1", Kind: domain.KindVoice, SenderID: "A"})

	if got := f.only(t); got != (domain.Text{Text: voiceFailedText}) {
		t.Errorf("unexpected item %v", got)
	}
}

func TestHandlers_EmoticonFromCDN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("GIF89a"))
	}))
	defer srv.Close()

	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{
		ID:       "e1",
		Kind:     domain.KindEmoticon,
		SenderID: "A",
		Emoji:    &domain.EmojiRef{CDNURL: srv.URL + "/emoji", MD5: "abcdef"},
	})

	items := f.adder.all()
	if len(items) != 2 {
		t.Fatalf("expected image and hint, got %+v", items)
	}
	if items[0].item != (domain.ImageRef{FileID: "file_1"}) || items[1].item != (domain.Text{Text: emoticonHintText}) {
		t.Errorf("unexpected items %+v", items)
	}
	if f.backend.uploads[0] != filepath.Join(f.mediaDir, "abcdef.gif") {
		t.Errorf("sticker saved to %s", f.backend.uploads[0])
	}
	rec, _ := f.store.FindFileByOrigin(context.Background(), "e1")
	if rec == nil || rec.MsgContent != emoticonRecordText {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestHandlers_EmoticonFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newHandlerFixture(t, "")
	f.h.Handle(context.Background(), domain.InboundEvent{
		ID: "e1", Kind: domain.KindEmoticon, SenderID: "A",
		Emoji: &domain.EmojiRef{CDNURL: srv.URL, MD5: "x"},
	})
	if got := f.only(t); got != (domain.Text{Text: emoticonFailedText}) {
		t.Errorf("unexpected item %v", got)
	}
}

func TestHandlers_Quote(t *testing.T) {
	f := newHandlerFixture(t, "")
	ctx := context.Background()
	f.store.SaveFile(ctx, domain.FileRecord{FileID: "img_9", FileType: "image", OriginMsgID: "orig-img"})
	f.store.SaveFile(ctx, domain.FileRecord{FileID: "aud_9", FileType: "audio", MsgContent: "好的收到", OriginMsgID: "orig-voice"})

	tests := []struct {
		name  string
		quote domain.QuotedMessage
		first domain.ContentItem
	}{
		{
			name:  "known image",
			quote: domain.QuotedMessage{Title: "这张呢", OriginMsgID: "orig-img", OriginKind: domain.KindImage},
			first: domain.ImageRef{FileID: "img_9"},
		},
		{
			name:  "unknown image",
			quote: domain.QuotedMessage{Title: "这张呢", OriginMsgID: "gone", OriginKind: domain.KindImage, DisplayName: "小明"},
			first: domain.Text{Text: "[用户引用的消息][发送人：小明][图片]"},
		},
		{
			name:  "voice",
			quote: domain.QuotedMessage{Title: "这张呢", OriginMsgID: "orig-voice", OriginKind: domain.KindVoice, FromUser: "wxid_b"},
			first: domain.Text{Text: "[用户引用的消息][发送人：wxid_b][语音]好的收到"},
		},
		{
			name:  "text",
			quote: domain.QuotedMessage{Title: "这张呢", OriginKind: domain.KindText, DisplayName: "小明", Content: "晚饭吃什么"},
			first: domain.Text{Text: "[用户引用的消息][发送人：小明]晚饭吃什么"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adder := &recordingAdder{}
			f.h.buffer = adder
			q := tt.quote
			f.h.Handle(ctx, domain.InboundEvent{Kind: domain.KindQuote, SenderID: "A", Content: "这张呢", Quote: &q})

			items := adder.all()
			if len(items) != 2 {
				t.Fatalf("expected quote and title, got %+v", items)
			}
			if items[0].item != tt.first {
				t.Errorf("quoted item = %v, want %v", items[0].item, tt.first)
			}
			if items[1].item != (domain.Text{Text: "这张呢"}) {
				t.Errorf("title item = %v", items[1].item)
			}
		})
	}
}

func TestHandlers_VerifyAcceptsAndIntroduces(t *testing.T) {
	f := newHandlerFixture(t, "wf_image")
	f.backend.workflow = map[string]any{"data": "一只猫"}

	v := &domain.VerifyRequest{
		FromUser:     "wxid_new",
		Nickname:     "阿花",
		Sex:          "1",
		Province:     "Zhejiang",
		City:         "Hangzhou",
		Content:      "我是阿花",
		HeadImageURL: "https://example.com/head.jpg",
	}
	err := f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindVerify, SenderID: "fmessage", Verify: v})
	if err != nil {
		t.Fatal(err)
	}

	if len(f.platform.accepted) != 1 || f.platform.accepted[0].FromUser != "wxid_new" {
		t.Fatalf("friend request not accepted: %+v", f.platform.accepted)
	}
	texts := f.direct.texts["wxid_new"]
	if len(texts) != 1 {
		t.Fatalf("expected one direct chat, got %v", texts)
	}
	for _, want := range []string{defaultSystemMark, "昵称：阿花", "性别：男", "地区：Zhejiang Hangzhou", "头像描述：一只猫", "朋友圈背景描述：" + noMomentsBGText} {
		if !strings.Contains(texts[0], want) {
			t.Errorf("profile missing %q:\n%s", want, texts[0])
		}
	}
	if len(f.backend.workflows) != 1 || f.backend.workflows[0].Parameters["image_url"] != v.HeadImageURL {
		t.Errorf("avatar should be described once: %+v", f.backend.workflows)
	}
}

func TestHandlers_SysUsesDirectAndBuffersFeedback(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.direct.feedback = failureFeedback("busy")

	f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindSys, SenderID: "A", Content: "你已添加了阿花"})

	if texts := f.direct.texts["A"]; len(texts) != 1 || texts[0] != defaultSystemMark+"你已添加了阿花" {
		t.Errorf("unexpected direct texts %v", texts)
	}
	if got := f.only(t); got != f.direct.feedback {
		t.Errorf("feedback should be buffered, got %v", got)
	}
	if ex := f.adder.exclusive; len(ex) != 1 || ex[0] != "A" {
		t.Errorf("direct turn should run exclusively for A, got %v", ex)
	}
}

func TestHandlers_DirectChatErrorIsNotBuffered(t *testing.T) {
	f := newHandlerFixture(t, "")
	f.direct.err = errTransport

	if err := f.h.Handle(context.Background(), domain.InboundEvent{Kind: domain.KindSys, SenderID: "A", Content: "你已添加了阿花"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := len(f.adder.all()); n != 0 {
		t.Errorf("a transport error must not produce feedback, got %d items", n)
	}
}
