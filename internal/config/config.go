package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/slawatch/backend/internal/calendar"
	"github.com/slawatch/backend/internal/policy"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT" validate:"required"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER" validate:"oneof=postgres sqlite"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	SQLitePath  string `mapstructure:"SQLITE_PATH" validate:"required_if=StoreDriver sqlite"`

	BusinessHoursStart string `mapstructure:"BUSINESS_HOURS_START"`
	BusinessHoursEnd   string `mapstructure:"BUSINESS_HOURS_END"`
	BusinessTimezone   string `mapstructure:"BUSINESS_TIMEZONE"`
	CompanyHolidays    string `mapstructure:"COMPANY_HOLIDAYS"`
	BusinessWeekdays   string `mapstructure:"BUSINESS_WEEKDAYS"`

	EscalationInterval          time.Duration `mapstructure:"ESCALATION_INTERVAL" validate:"gt=0"`
	EscalationBusinessHoursOnly bool          `mapstructure:"ESCALATION_BUSINESS_HOURS_ONLY"`
	EscalationConcurrency       int           `mapstructure:"ESCALATION_CONCURRENCY" validate:"min=1"`
	NotifyTimeout               time.Duration `mapstructure:"NOTIFY_TIMEOUT" validate:"gt=0"`
	SnapshotHour                int           `mapstructure:"SNAPSHOT_HOUR" validate:"min=0,max=23"`

	DedupRetention  time.Duration `mapstructure:"DEDUP_RETENTION" validate:"gt=0"`
	PruneInterval   time.Duration `mapstructure:"DEDUP_PRUNE_INTERVAL" validate:"gt=0"`
	IngestQueueSize int           `mapstructure:"INGEST_QUEUE_SIZE" validate:"min=1"`
	PollOverlap     time.Duration `mapstructure:"POLL_OVERLAP" validate:"gte=0"`
	PollTimeout     time.Duration `mapstructure:"POLL_TIMEOUT" validate:"gt=0"`

	JiraBaseURL       string        `mapstructure:"JIRA_BASE_URL" validate:"omitempty,url"`
	JiraEmail         string        `mapstructure:"JIRA_EMAIL"`
	JiraAPIToken      string        `mapstructure:"JIRA_API_TOKEN"`
	JiraJQL           string        `mapstructure:"JIRA_JQL"`
	JiraPollInterval  time.Duration `mapstructure:"JIRA_POLL_INTERVAL" validate:"gt=0"`
	JiraWebhookSecret string        `mapstructure:"JIRA_WEBHOOK_SECRET"`

	GitLabBaseURL      string        `mapstructure:"GITLAB_BASE_URL" validate:"omitempty,url"`
	GitLabToken        string        `mapstructure:"GITLAB_TOKEN"`
	GitLabProjects     string        `mapstructure:"GITLAB_PROJECTS"`
	GitLabPollInterval time.Duration `mapstructure:"GITLAB_POLL_INTERVAL" validate:"gt=0"`
	GitLabWebhookToken string        `mapstructure:"GITLAB_WEBHOOK_TOKEN"`
	GitLabStaleHours   float64       `mapstructure:"GITLAB_STALE_AFTER_HOURS" validate:"gt=0"`

	SlackBaseURL       string        `mapstructure:"SLACK_BASE_URL" validate:"omitempty,url"`
	SlackToken         string        `mapstructure:"SLACK_BOT_TOKEN"`
	SlackBotUserID     string        `mapstructure:"SLACK_BOT_USER_ID"`
	SlackChannels      string        `mapstructure:"SLACK_CHANNELS"`
	SlackPollInterval  time.Duration `mapstructure:"SLACK_POLL_INTERVAL" validate:"gt=0"`
	SlackSigningSecret string        `mapstructure:"SLACK_SIGNING_SECRET"`
	SourceRateLimit    float64       `mapstructure:"SOURCE_RATE_LIMIT" validate:"gt=0"`

	RedisURL          string `mapstructure:"REDIS_URL"`
	NotifyRedisStream string `mapstructure:"NOTIFY_REDIS_STREAM"`
	NotifyWebhookURL  string `mapstructure:"NOTIFY_WEBHOOK_URL" validate:"omitempty,url"`

	SLAPolicyFile      string  `mapstructure:"SLA_POLICY_FILE"`
	SLAThresholds      string  `mapstructure:"SLA_THRESHOLDS"`
	SLAResolution      string  `mapstructure:"SLA_RESOLUTION"`
	SLAStaleAfterHours float64 `mapstructure:"SLA_STALE_AFTER_HOURS" validate:"gte=0"`
	NotifyMaxAttempts  int     `mapstructure:"NOTIFY_MAX_ATTEMPTS" validate:"min=1"`

	Calendar calendar.BusinessConfig `mapstructure:"-"`
	Policies *policy.Set             `mapstructure:"-"`
}

var defaults = map[string]any{
	"ENV":                  "dev",
	"PORT":                 "8080",
	"ADMIN_KEY":            "",
	"REQUEST_TIMEOUT":      "30s",
	"LOG_LEVEL":            "info",
	"CORS_ALLOWED_ORIGINS": "*",

	"STORE_DRIVER": DriverPostgres,
	"DATABASE_URL": "",
	"SQLITE_PATH":  "slawatch.db",

	"BUSINESS_HOURS_START": "09:00",
	"BUSINESS_HOURS_END":   "17:00",
	"BUSINESS_TIMEZONE":    "America/New_York",
	"COMPANY_HOLIDAYS":     "",
	"BUSINESS_WEEKDAYS":    "mon,tue,wed,thu,fri",

	"ESCALATION_INTERVAL":            "5m",
	"ESCALATION_BUSINESS_HOURS_ONLY": false,
	"ESCALATION_CONCURRENCY":         0,
	"NOTIFY_TIMEOUT":                 "15s",
	"SNAPSHOT_HOUR":                  18,

	"DEDUP_RETENTION":      "720h",
	"DEDUP_PRUNE_INTERVAL": "1h",
	"INGEST_QUEUE_SIZE":    256,
	"POLL_OVERLAP":         "10m",
	"POLL_TIMEOUT":         "30s",

	"JIRA_BASE_URL":       "",
	"JIRA_EMAIL":          "",
	"JIRA_API_TOKEN":      "",
	"JIRA_JQL":            "",
	"JIRA_POLL_INTERVAL":  "60s",
	"JIRA_WEBHOOK_SECRET": "",

	"GITLAB_BASE_URL":          "",
	"GITLAB_TOKEN":             "",
	"GITLAB_PROJECTS":          "",
	"GITLAB_POLL_INTERVAL":     "5m",
	"GITLAB_WEBHOOK_TOKEN":     "",
	"GITLAB_STALE_AFTER_HOURS": 16.0,

	"SLACK_BASE_URL":       "https://slack.com/api",
	"SLACK_BOT_TOKEN":      "",
	"SLACK_BOT_USER_ID":    "",
	"SLACK_CHANNELS":       "",
	"SLACK_POLL_INTERVAL":  "15s",
	"SLACK_SIGNING_SECRET": "",
	"SOURCE_RATE_LIMIT":    2.0,

	"REDIS_URL":           "",
	"NOTIFY_REDIS_STREAM": "sla:notifications",
	"NOTIFY_WEBHOOK_URL":  "",

	"SLA_POLICY_FILE":       "",
	"SLA_THRESHOLDS":        "0,24,48,72",
	"SLA_RESOLUTION":        string(policy.ResolveOnSignalAndStale),
	"SLA_STALE_AFTER_HOURS": policy.DefaultStaleAfterHours,
	"NOTIFY_MAX_ATTEMPTS":   policy.DefaultMaxAttempts,
}

// Load reads .env and the environment, then parses the calendar and policy table.
// Any malformed value is returned as an error so the process refuses to start.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.EscalationConcurrency == 0 {
		cfg.EscalationConcurrency = defaultConcurrency(cfg.StoreDriver)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cal, err := cfg.buildCalendar()
	if err != nil {
		return Config{}, err
	}
	cfg.Calendar = cal

	set, err := cfg.buildPolicies()
	if err != nil {
		return Config{}, err
	}
	cfg.Policies = set

	if lookback := cfg.MaxPollLookback(); cfg.DedupRetention < lookback {
		return Config{}, fmt.Errorf("config: DEDUP_RETENTION %s is shorter than the poll lookback %s", cfg.DedupRetention, lookback)
	}
	return cfg, nil
}

// defaultConcurrency keeps SQLite to one evaluator: its single connection is
// held across the notifier call, so parallel workers would only queue on it.
func defaultConcurrency(driver string) int {
	if driver == DriverSQLite {
		return 1
	}
	return 8
}

// MaxPollLookback is the widest window any poller re-reads: its interval plus the overlap.
func (c Config) MaxPollLookback() time.Duration {
	longest := c.JiraPollInterval
	for _, d := range []time.Duration{c.GitLabPollInterval, c.SlackPollInterval} {
		if d > longest {
			longest = d
		}
	}
	return longest + c.PollOverlap
}

func (c Config) buildCalendar() (calendar.BusinessConfig, error) {
	start, err := calendar.ParseClock(c.BusinessHoursStart)
	if err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: BUSINESS_HOURS_START: %w", err)
	}
	end, err := calendar.ParseClock(c.BusinessHoursEnd)
	if err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: BUSINESS_HOURS_END: %w", err)
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.BusinessTimezone))
	if err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: BUSINESS_TIMEZONE: %w", err)
	}
	holidays, err := calendar.ParseHolidays(SplitList(c.CompanyHolidays))
	if err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: COMPANY_HOLIDAYS: %w", err)
	}
	weekdays, err := calendar.ParseWeekdays(SplitList(c.BusinessWeekdays))
	if err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: BUSINESS_WEEKDAYS: %w", err)
	}
	cal := calendar.BusinessConfig{
		WorkdayStart: start,
		WorkdayEnd:   end,
		Location:     loc,
		Holidays:     holidays,
		Weekdays:     weekdays,
	}
	if err := cal.Validate(); err != nil {
		return calendar.BusinessConfig{}, fmt.Errorf("config: %w", err)
	}
	return cal, nil
}

func (c Config) buildPolicies() (*policy.Set, error) {
	if c.SLAPolicyFile != "" {
		return LoadPolicyFile(c.SLAPolicyFile, c.defaultPolicyParams())
	}
	thresholds, err := ParseThresholds(c.SLAThresholds)
	if err != nil {
		return nil, fmt.Errorf("config: SLA_THRESHOLDS: %w", err)
	}
	p := policy.New("standard", thresholds)
	p.Resolution = policy.Resolution(c.SLAResolution)
	p.StaleAfterHours = c.SLAStaleAfterHours
	p.MaxAttempts = c.NotifyMaxAttempts
	set := policy.NewSet(p.Key, p)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return set, nil
}

func (c Config) defaultPolicyParams() policyDefaults {
	return policyDefaults{
		Resolution:      policy.Resolution(c.SLAResolution),
		StaleAfterHours: c.SLAStaleAfterHours,
		MaxAttempts:     c.NotifyMaxAttempts,
	}
}

// ParseThresholds parses a comma separated list of business-hour cut-offs.
func ParseThresholds(value string) ([]float64, error) {
	var out []float64
	for _, part := range SplitList(value) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q", part)
		}
		out = append(out, f)
	}
	return out, nil
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
