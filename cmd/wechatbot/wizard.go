package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jiulingyun/wechat-bot/internal/config"

	"github.com/spf13/cobra"
)

var knownPlatforms = []struct {
	ID   string
	Desc string
}{{"wcf", "WeChat through a hook bridge websocket"}, {"telegram", "Telegram bot"}}

var knownWriters = []struct {
	ID   string
	Desc string
}{{"auto", "apology workflow or OpenAI, whichever is configured"}, {"none", "no filler reply"}, {"workflow", "Coze apology workflow"}, {"openai", "OpenAI chat completion"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: platform → Coze bot → timing → save config",
		Long:  "Guides you through the chat platform, the Coze credentials and the relay timing. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

// prompter reads one answer per line, returning def for an empty line.
type prompter struct {
	r   *bufio.Reader
	out io.Writer
}

func (p prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

// choose prints numbered options and returns the picked id.
func (p prompter) choose(label string, ids, descs []string, current string) (string, error) {
	def := "1"
	for i, id := range ids {
		fmt.Fprintf(p.out, "  %d) %s - %s\n", i+1, id, descs[i])
		if id == current {
			def = strconv.Itoa(i + 1)
		}
	}
	ans, err := p.ask(fmt.Sprintf("%s (1-%d)", label, len(ids)), def)
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(ans)
	if err != nil || n < 1 || n > len(ids) {
		n, _ = strconv.Atoi(def)
	}
	return ids[n-1], nil
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.ReadFile(cfgPath)
	if err != nil {
		return err
	}
	p := prompter{r: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: Chat platform ---")
	var ids, descs []string
	for _, pl := range knownPlatforms {
		ids, descs = append(ids, pl.ID), append(descs, pl.Desc)
	}
	if cfg.Platform.Name, err = p.choose("Choose platform", ids, descs, cfg.Platform.Name); err != nil {
		return err
	}
	switch cfg.Platform.Name {
	case "wcf":
		if cfg.Platform.WCF.URL, err = p.ask("Bridge websocket URL", cfg.Platform.WCF.URL); err != nil {
			return err
		}
	case "telegram":
		def := cfg.Platform.Telegram.Token
		if def == "" {
			def = "${TELEGRAM_BOT_TOKEN}"
		}
		if cfg.Platform.Telegram.Token, err = p.ask("Telegram bot token", def); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 2: Coze bot ---")
	cc := &cfg.Backend.Coze
	for _, f := range []struct {
		label string
		dst   *string
	}{
		{"API domain", &cc.APIDomain},
		{"OAuth app id", &cc.AppID},
		{"Public key id", &cc.KeyID},
		{"Private key file", &cc.PrivateKeyPath},
		{"Bot id", &cc.BotID},
		{"Image understanding workflow id (optional)", &cc.ImageUnderstandWorkflowID},
	} {
		if *f.dst, err = p.ask(f.label, *f.dst); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 3: Timing and fallback ---")
	if cfg.Relay.BufferTimeoutMs, err = askInt(p, "Buffer window in ms", cfg.Relay.BufferTimeoutMs); err != nil {
		return err
	}
	if cfg.Relay.FallbackTimeoutSec, err = askInt(p, "Fallback after seconds", cfg.Relay.FallbackTimeoutSec); err != nil {
		return err
	}
	ids, descs = nil, nil
	for _, w := range knownWriters {
		ids, descs = append(ids, w.ID), append(descs, w.Desc)
	}
	if cfg.Fallback.Writer, err = p.choose("Filler reply writer", ids, descs, cfg.Fallback.Writer); err != nil {
		return err
	}
	switch cfg.Fallback.Writer {
	case "workflow":
		if cc.ApologyWorkflowID, err = p.ask("Apology workflow id", cc.ApologyWorkflowID); err != nil {
			return err
		}
	case "openai":
		def := cfg.Fallback.OpenAI.APIKey
		if def == "" {
			def = "${OPENAI_API_KEY}"
		}
		if cfg.Fallback.OpenAI.APIKey, err = p.ask("OpenAI API key", def); err != nil {
			return err
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(out, "Some settings still need attention:\n%v\n", err)
		return nil
	}
	fmt.Fprintln(out, "Next: run 'wechatbot doctor', then 'wechatbot gateway'.")
	return nil
}

func askInt(p prompter, label string, def int) (int, error) {
	ans, err := p.ask(label, strconv.Itoa(def))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(ans)
	if err != nil || n <= 0 {
		fmt.Fprintf(p.out, "  keeping %d\n", def)
		return def, nil
	}
	return n, nil
}
