package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Criteria    SearchCriteria
	Contact     ContactConfig
	Dedup       DedupConfig
	Scheduler   SchedulerConfig
	Sweep       SweepConfig
	Scraper     ScraperConfig
	SMTP        SMTPConfig
	Twilio      TwilioConfig
	Redis       RedisConfig
	S3          S3Config
	Proxy       ProxyConfig
	DBPath      string
	DatabaseURL string
	LogLevel    string
	LogFile     string
	ConfigDir   string
	Sites       map[string]*SiteConfig
}

type ContactConfig struct {
	EmailFollowupDelay time.Duration
	PhoneFollowupDelay time.Duration
	UrgentEmailDelay   time.Duration
	PhoneEnabled       bool
	FromName           string
	FromAddress        string
	DispatchPerMinute  int
}

type DedupConfig struct {
	AddressThreshold     float64
	DescriptionThreshold float64
	PriceDelta           float64
	WindowDays           int
	AmbiguityMargin      float64
}

type SchedulerConfig struct {
	ScrapeCron  string
	ContactCron string
	SweepCron   string
	Timezone    string
}

type SweepConfig struct {
	AbsentCycles     int
	LogRetentionDays int
}

type ScraperConfig struct {
	MinDelay                   time.Duration
	MaxDelay                   time.Duration
	MaxPages                   int
	MaxConsecutivePageFailures int
	DegradedAfter              int
	UserAgent                  string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	MailLog  string
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	BaseURL     string
}

// Configured reports whether telephony credentials are present.
func (t TwilioConfig) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.PhoneNumber != ""
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	OutboxKey    string
	ResponsesKey string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type ProxyConfig struct {
	URL string
}

type SiteConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Handler    string            `yaml:"handler"`
	Fetcher    string            `yaml:"fetcher"`
	Enabled    bool              `yaml:"enabled"`
	BaseURL    string            `yaml:"base_url"`
	Endpoints  map[string]string `yaml:"endpoints"`
	Selectors  map[string]string `yaml:"selectors"`
	MaxPages   int               `yaml:"max_pages"`
	MinDelayMS int               `yaml:"min_delay_ms"`
	MaxDelayMS int               `yaml:"max_delay_ms"`
}

// Selector returns the configured CSS selector or the given default.
func (s *SiteConfig) Selector(key, def string) string {
	if v, ok := s.Selectors[key]; ok && v != "" {
		return v
	}
	return def
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Criteria: DefaultCriteria(),
		Contact: ContactConfig{
			EmailFollowupDelay: getEnvDuration("EMAIL_FOLLOWUP_DELAY", 24*time.Hour),
			PhoneFollowupDelay: getEnvDuration("PHONE_FOLLOWUP_DELAY", 24*time.Hour),
			UrgentEmailDelay:   getEnvDuration("URGENT_EMAIL_DELAY", 24*time.Hour),
			PhoneEnabled:       getEnvBool("PHONE_ENABLED", true),
			FromName:           getEnv("EMAIL_FROM_NAME", "Rental Hunter"),
			FromAddress:        os.Getenv("EMAIL_FROM_ADDRESS"),
			DispatchPerMinute:  getEnvInt("DISPATCH_PER_MINUTE", 20),
		},
		Dedup: DedupConfig{
			AddressThreshold:     getEnvFloat("ADDRESS_SIMILARITY_THRESHOLD", 0.85),
			DescriptionThreshold: getEnvFloat("DESCRIPTION_SIMILARITY_THRESHOLD", 0.75),
			PriceDelta:           getEnvFloat("PRICE_DIFFERENCE_THRESHOLD", 50),
			WindowDays:           getEnvInt("DEDUP_WINDOW_DAYS", 90),
			AmbiguityMargin:      getEnvFloat("DEDUP_AMBIGUITY_MARGIN", 0.05),
		},
		Scheduler: SchedulerConfig{
			ScrapeCron:  getEnv("SCRAPING_SCHEDULE", "0 9,15,21 * * *"),
			ContactCron: getEnv("CONTACT_SCHEDULE", "*/30 * * * *"),
			SweepCron:   getEnv("SWEEP_SCHEDULE", "0 2 * * *"),
			Timezone:    getEnv("TIMEZONE", "Europe/Paris"),
		},
		Sweep: SweepConfig{
			AbsentCycles:     getEnvInt("SWEEP_ABSENT_CYCLES", 3),
			LogRetentionDays: getEnvInt("LOG_RETENTION_DAYS", 30),
		},
		Scraper: ScraperConfig{
			MinDelay:                   time.Duration(getEnvInt("SCRAPING_DELAY_MIN_MS", 2000)) * time.Millisecond,
			MaxDelay:                   time.Duration(getEnvInt("SCRAPING_DELAY_MAX_MS", 5000)) * time.Millisecond,
			MaxPages:                   getEnvInt("SCRAPING_MAX_PAGES", 10),
			MaxConsecutivePageFailures: getEnvInt("SCRAPING_MAX_PAGE_FAILURES", 3),
			DegradedAfter:              getEnvInt("SOURCE_DEGRADED_AFTER", 3),
			UserAgent: getEnv("USER_AGENT",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			MailLog:  os.Getenv("MAIL_LOG_FILE"),
		},
		Twilio: TwilioConfig{
			AccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
			PhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
			BaseURL:     getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),
		},
		Redis: RedisConfig{
			Addr:         os.Getenv("REDIS_ADDR"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           getEnvInt("REDIS_DB", 0),
			OutboxKey:    getEnv("REDIS_OUTBOX_KEY", "rental_hunter:outbox"),
			ResponsesKey: getEnv("REDIS_RESPONSES_KEY", "rental_hunter:responses"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "eu-west-3"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		DBPath:      getEnv("DB_PATH", "rental_hunter.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "daemon.log"),
		ConfigDir:   getEnv("CONFIG_DIR", "config"),
		Sites:       make(map[string]*SiteConfig),
	}

	if err := cfg.loadCriteria(); err != nil {
		return nil, fmt.Errorf("load criteria: %w", err)
	}
	cfg.Criteria.applyEnv()

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, fmt.Errorf("load site configs: %w", err)
	}

	return cfg, nil
}

// Validate reports configuration-level problems that make a run pointless.
func (c *Config) Validate() error {
	if len(c.EnabledSites()) == 0 {
		return fmt.Errorf("no enabled sites in %s", filepath.Join(c.ConfigDir, "sites"))
	}
	if c.Dedup.AddressThreshold <= 0 || c.Dedup.AddressThreshold > 1 {
		return fmt.Errorf("address similarity threshold out of range: %v", c.Dedup.AddressThreshold)
	}
	if c.Dedup.DescriptionThreshold <= 0 || c.Dedup.DescriptionThreshold > 1 {
		return fmt.Errorf("description similarity threshold out of range: %v", c.Dedup.DescriptionThreshold)
	}
	if c.Scraper.MinDelay > c.Scraper.MaxDelay {
		return fmt.Errorf("scraping delay min %s exceeds max %s", c.Scraper.MinDelay, c.Scraper.MaxDelay)
	}
	if len(c.Criteria.Cities) == 0 {
		return fmt.Errorf("search criteria has no cities")
	}
	return nil
}

// EnabledSites returns the ids of enabled sites in a stable order.
func (c *Config) EnabledSites() []string {
	var ids []string
	for id, site := range c.Sites {
		if site.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) loadCriteria() error {
	path := filepath.Join(c.ConfigDir, "criteria.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, &c.Criteria)
}

func (c *Config) loadSiteConfigs() error {
	configDir := filepath.Join(c.ConfigDir, "sites")
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		site := SiteConfig{Enabled: true}
		if err := yaml.Unmarshal(data, &site); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if site.ID == "" {
			return fmt.Errorf("%s: missing id", entry.Name())
		}

		c.Sites[site.ID] = &site
	}

	// ENABLED_SCRAPERS overrides the per-file enabled flags
	if list := getEnvList("ENABLED_SCRAPERS"); len(list) > 0 {
		enabled := make(map[string]bool, len(list))
		for _, id := range list {
			enabled[id] = true
		}
		for id, site := range c.Sites {
			site.Enabled = enabled[id]
		}
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
