package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jiulingyun/wechat-bot/internal/config"
	"github.com/jiulingyun/wechat-bot/internal/provider"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wechatbot installation",
		Long: `Verifies the configuration, the Coze credentials, the store, the takeover
file and the platform connection. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wechatbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, err := config.Resolve(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\nRun 'wechatbot init' or 'wechatbot wizard' to create a configuration.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			pass("Config validation", "valid")
			pass("Buffer window", cfg.Relay.BufferWindow().String())
			pass("Fallback window", cfg.Relay.FallbackWindow().String())

			if _, err := provider.LoadPrivateKey(cfg.Backend.Coze.PrivateKeyPath); err != nil {
				fail("Coze private key", err.Error())
			} else {
				pass("Coze private key", cfg.Backend.Coze.PrivateKeyPath)
				if online {
					if err := checkCozeToken(cmd.Context(), cfg); err != nil {
						fail("Coze token", err.Error())
					} else {
						pass("Coze token", "issued")
					}
				}
			}

			if err := checkDatabase(cfg); err != nil {
				fail("Database", err.Error())
			} else {
				pass("Database", cfg.Memory.DBPath)
			}

			if t, err := config.LoadTakeover(cfg.Takeover.Path, logger); err != nil {
				fail("Takeover file", err.Error())
			} else {
				st := t.Snapshot()
				if st.PauseCode == "" || st.ResumeCode == "" {
					warn("Takeover file", "pause or resume code is empty")
				} else {
					pass("Takeover file", fmt.Sprintf("%s (%d paused)", t.Path(), len(st.Paused)))
				}
			}

			switch cfg.Platform.Name {
			case "wcf":
				if err := checkBridge(cmd.Context(), cfg.Platform.WCF.URL); err != nil {
					warn("WCF bridge", fmt.Sprintf("%s unreachable: %v", cfg.Platform.WCF.URL, err))
				} else {
					pass("WCF bridge", cfg.Platform.WCF.URL)
				}
			case "telegram":
				pass("Telegram", fmt.Sprintf("token set, %d allowed users", len(cfg.Platform.Telegram.AllowFrom)))
			}

			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					warn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					pass("Metrics addr", cfg.Metrics.Addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe relay should start but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'wechatbot gateway'.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also request a Coze access token")
	return cmd
}

// checkDatabase opens the store, which creates and migrates it, then counts rows.
func checkDatabase(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Stats(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkCozeToken(ctx context.Context, cfg *config.Config) error {
	cc := cfg.Backend.Coze
	key, err := provider.LoadPrivateKey(cc.PrivateKeyPath)
	if err != nil {
		return err
	}
	baseURL, audience := provider.CozeEndpoint(cc.APIDomain)
	auth, err := provider.NewJWTAuth(provider.JWTAuthConfig{
		BaseURL:    baseURL,
		Audience:   audience,
		AppID:      cc.AppID,
		KeyID:      cc.KeyID,
		PrivateKey: key,
		TTL:        time.Duration(cc.TokenTTLSeconds) * time.Second,
		HTTPClient: provider.NewHTTPClient(provider.TokenTimeout),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = auth.Token(ctx)
	return err
}

func checkBridge(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
