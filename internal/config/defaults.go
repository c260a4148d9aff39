package config

// Default control codes recognised in self-sent messages.
const (
	DefaultPauseCode  = "[皱眉][皱眉][皱眉]"
	DefaultResumeCode = "[微笑][微笑][微笑]"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:           "~/.wechatbot",
			LogLevel:          "info",
			SystemMessageMark: "系统消息",
		},
		Relay: RelayConfig{
			BufferTimeoutMs:    15000,
			FallbackTimeoutSec: 30,
			TypingBaseMs:       70,
			TypingJitterMs:     30,
			HistoryLimit:       15,
			InboundBuffer:      256,
			ShutdownTimeoutSec: 10,
		},
		Backend: BackendConfig{
			Provider: "coze",
			Coze: CozeConfig{
				APIDomain:       "api.coze.cn",
				PrivateKeyPath:  "coze_private_key.pem",
				PollIntervalMs:  1000,
				RateLimitPerMin: 60,
				TokenTTLSeconds: 900,
			},
		},
		Fallback: FallbackConfig{
			Writer:      "auto",
			Transcriber: "coze",
			OpenAI: OpenAIConfig{
				Model:        "gpt-4o-mini",
				WhisperModel: "whisper-1",
				MaxTokens:    120,
			},
		},
		Platform: PlatformConfig{
			Name: "wcf",
			WCF: WCFConfig{
				URL:                "ws://127.0.0.1:10086/ws",
				RequestTimeoutSec:  30,
				DownloadTimeoutSec: 300,
				ReconnectSec:       5,
				MediaDir:           "~/.wechatbot/media",
			},
			Telegram: TelegramConfig{
				MediaDir: "~/.wechatbot/media",
			},
		},
		Memory: MemoryConfig{
			DBPath:                  "~/.wechatbot/relay.db",
			TranscriptRetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
		Takeover: TakeoverConfig{
			Path:  "~/.wechatbot/takeover.yaml",
			Watch: true,
		},
	}
}
