package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/jiulingyun/wechat-bot/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.wechatbot.gateway"
	systemdUnit  = "wechatbot.service"
)

// service describes how the supervisor should start the gateway.
type service struct {
	Label   string
	Exec    string
	Config  string
	Env     string // --env name, empty for plain .env
	WorkDir string // where .env files are looked up
	Log     string
	ErrLog  string
}

func (s service) Args() []string {
	args := []string{s.Exec, "gateway", "--config", s.Config}
	if s.Env != "" {
		args = append(args, "--env", s.Env)
	}
	return args
}

func installDaemonCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a user service (launchd/systemd)",
		Long:  "Generates a service file that runs 'wechatbot gateway' in the background and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			if workDir == "" {
				if workDir, err = os.Getwd(); err != nil {
					return err
				}
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			svc := service{
				Label:   launchdLabel,
				Exec:    execPath,
				Config:  resolveConfigPath(),
				Env:     envName,
				WorkDir: workDir,
				Log:     filepath.Join(logDir, "gateway.log"),
				ErrLog:  filepath.Join(logDir, "gateway-error.log"),
			}

			switch runtime.GOOS {
			case "darwin":
				if err := os.MkdirAll(logDir, 0o755); err != nil {
					return err
				}
				path, err := writeService(launchdPath(), launchdTemplate, svc)
				if err != nil {
					return err
				}
				fmt.Printf("Service installed: %s\n", path)
				fmt.Printf("To start: launchctl load %s\n", path)
				fmt.Printf("To stop:  launchctl unload %s\n", path)
			case "linux":
				path, err := writeService(systemdPath(), systemdTemplate, svc)
				if err != nil {
					return err
				}
				fmt.Printf("Service installed: %s\n", path)
				fmt.Printf("To start:  systemctl --user daemon-reload && systemctl --user start wechatbot\n")
				fmt.Printf("To enable: systemctl --user enable wechatbot\n")
				fmt.Printf("Logs:      journalctl --user -u wechatbot -f\n")
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory of the service (default: current directory)")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = launchdPath()
			case "linux":
				path = systemdPath()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	}
}

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

func renderService(tmpl string, svc service) ([]byte, error) {
	t, err := template.New("service").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, svc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeService(path, tmpl string, svc service) (string, error) {
	data, err := renderService(tmpl, svc)
	if err != nil {
		return "", fmt.Errorf("render service file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>{{range .Args}}
        <string>{{.}}</string>{{end}}
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=wechatbot Coze relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
ExecStart={{range $i, $a := .Args}}{{if $i}} {{end}}{{$a}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
