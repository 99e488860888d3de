package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/logger"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var defaultAmount = decimal.NewFromInt(30000)

// Config carries every setting the raffle engine reads at start up.
type Config struct {
	HTTPAddr string
	LogFile  string
	Verbose  bool

	AdminUser string
	AdminPass string

	RaffleName        string
	RaffleDescription string
	TicketAmount      decimal.Decimal
	PrizeLabel        string

	DataDir        string
	DBPath         string
	BackupDir      string
	BackupSchedule string
	BackupKeep     int

	MPAccessToken      string
	MPBaseURL          string
	WebhookURL         string
	PaymentFallbackURL string

	DrawResultURL string
	DrawCacheTTL  time.Duration
	DrawGrace     time.Duration
	AutoSettle    bool

	SMTPServer   string
	SMTPPort     int
	SMTPEmail    string
	SMTPPassword string

	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioWhatsAppFrom string
	TwilioBaseURL      string

	TelegramBotToken string
	TelegramChatID   int64

	EmailTemplate     string
	MessagingTemplate string

	NetworkTimeout time.Duration
}

// Load reads a .env file when one exists and then resolves every setting from
// the environment, falling back to defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Info("config: no .env file found, relying on environment")
	}

	dataDir := getEnv("DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogFile:  getEnv("LOG_FILE", ""),
		Verbose:  getBool("VERBOSE", false),

		AdminUser: getEnv("ADMIN_USER", "admin"),
		AdminPass: getEnv("ADMIN_PASS", "rifa123"),

		RaffleName:        getEnv("RAFFLE_NAME", "Rifa Beneficio"),
		RaffleDescription: getEnv("RAFFLE_DESCRIPTION", ""),
		TicketAmount:      parseAmount(os.Getenv("RAFFLE_AMOUNT")),
		PrizeLabel:        getEnv("RAFFLE_PRIZE_LABEL", "Premio de la Lotería Nocturna"),

		DataDir:        dataDir,
		DBPath:         getEnv("DB_PATH", filepath.Join(dataDir, "raffle.db")),
		BackupDir:      getEnv("BACKUP_DIR", filepath.Join(dataDir, "backups")),
		BackupSchedule: getEnv("BACKUP_SCHEDULE", "@every 6h"),
		BackupKeep:     getInt("BACKUP_KEEP", 10),

		MPAccessToken:      getEnv("MP_ACCESS_TOKEN", ""),
		MPBaseURL:          getEnv("MP_BASE_URL", "https://api.mercadopago.com"),
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		PaymentFallbackURL: getEnv("PAYMENT_FALLBACK_URL", "https://www.mercadopago.com.ar/"),

		DrawResultURL: getEnv("DRAW_RESULT_URL", "https://www.resultadosloterias.com.ar/cordoba/nocturna/"),
		DrawCacheTTL:  getDuration("DRAW_CACHE_TTL", 5*time.Minute),
		DrawGrace:     getDuration("DRAW_GRACE", 20*time.Minute),
		AutoSettle:    getBool("AUTO_SETTLE", false),

		SMTPServer:   getEnv("SMTP_SERVER", "smtp.gmail.com"),
		SMTPPort:     getInt("SMTP_PORT", 587),
		SMTPEmail:    getEnv("SMTP_EMAIL", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		TwilioAccountSID:   getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWhatsAppFrom: getEnv("TWILIO_WHATSAPP_FROM", ""),
		TwilioBaseURL:      getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getInt64("TELEGRAM_CHAT_ID", 0),

		EmailTemplate:     getEnv("EMAIL_TEMPLATE", ""),
		MessagingTemplate: getEnv("MESSAGING_TEMPLATE", ""),

		NetworkTimeout: getDuration("NETWORK_TIMEOUT", 10*time.Second),
	}
}

var amountChars = regexp.MustCompile(`[^\d.]`)

// parseAmount strips currency symbols and thousands separators before
// parsing. An unusable value falls back to the default ticket price.
func parseAmount(raw string) decimal.Decimal {
	if raw == "" {
		return defaultAmount
	}
	clean := amountChars.ReplaceAllString(raw, "")
	d, err := decimal.NewFromString(clean)
	if err != nil || !d.IsPositive() {
		logger.Warningf("config: invalid RAFFLE_AMOUNT %q, using %s", raw, defaultAmount)
		return defaultAmount
	}
	return d
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warningf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger.Warningf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warningf("config: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
