package main

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jiulingyun/wechat-bot/internal/config"
)

func TestRunWizard_WritesAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// platform, bridge, coze settings (default domain, no image workflow),
	// buffer ms, an invalid fallback seconds answer, workflow writer.
	answers := strings.Join([]string{
		"1",
		"ws://10.0.0.2:9000/ws",
		"",
		"app-1",
		"kid-1",
		"/keys/coze.pem",
		"bot-1",
		"",
		"8000",
		"abc",
		"3",
		"wf-apology",
	}, "\n") + "\n"

	if err := runWizard(strings.NewReader(answers), io.Discard, path); err != nil {
		t.Fatalf("wizard: %v", err)
	}
	cfg, err := config.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Platform.Name != "wcf" || cfg.Platform.WCF.URL != "ws://10.0.0.2:9000/ws" {
		t.Errorf("platform not saved: %+v", cfg.Platform)
	}
	cc := cfg.Backend.Coze
	if cc.APIDomain != "api.coze.cn" || cc.AppID != "app-1" || cc.BotID != "bot-1" || cc.PrivateKeyPath != "/keys/coze.pem" {
		t.Errorf("coze settings not saved: %+v", cc)
	}
	if cfg.Relay.BufferTimeoutMs != 8000 || cfg.Relay.FallbackTimeoutSec != 30 {
		t.Errorf("timing = %d ms / %d s", cfg.Relay.BufferTimeoutMs, cfg.Relay.FallbackTimeoutSec)
	}
	if cfg.Fallback.Writer != "workflow" || cc.ApologyWorkflowID != "wf-apology" {
		t.Errorf("fallback writer not saved: %s %q", cfg.Fallback.Writer, cc.ApologyWorkflowID)
	}
}

func TestPrompter_OutOfRangeChoiceKeepsCurrent(t *testing.T) {
	p := prompter{r: bufio.NewReader(strings.NewReader("9\n")), out: io.Discard}
	got, err := p.choose("pick", []string{"a", "b"}, []string{"", ""}, "b")
	if err != nil || got != "b" {
		t.Errorf("got %q, %v", got, err)
	}
}
