package main

import (
	"strings"
	"testing"
)

func TestRenderService_Systemd(t *testing.T) {
	svc := service{Exec: "/usr/bin/wechatbot", Config: "/etc/wb.json", Env: "prod", WorkDir: "/srv/wb"}
	out, err := renderService(systemdTemplate, svc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "ExecStart=/usr/bin/wechatbot gateway --config /etc/wb.json --env prod\n") {
		t.Errorf("unexpected ExecStart:\n%s", s)
	}
	if !strings.Contains(s, "WorkingDirectory=/srv/wb\n") {
		t.Errorf("working directory missing:\n%s", s)
	}
}

func TestRenderService_LaunchdWithoutEnv(t *testing.T) {
	svc := service{Label: launchdLabel, Exec: "/bin/wb", Config: "/c.json", WorkDir: "/w", Log: "/l", ErrLog: "/e"}
	out, err := renderService(launchdTemplate, svc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "--env") {
		t.Error("--env must be omitted when no env name is set")
	}
	for _, want := range []string{"<string>/bin/wb</string>", "<string>gateway</string>", "<string>/c.json</string>", "<string>" + launchdLabel + "</string>"} {
		if !strings.Contains(s, want) {
			t.Errorf("plist missing %s", want)
		}
	}
}
