package config

import "time"

// Bridge configures the message router.
type Bridge struct {
	Port           int    `yaml:"port"`
	EventLogSize   int    `yaml:"event_log_size"`
	ScreenshotsDir string `yaml:"screenshots_dir"`
}

// LoadBridge resolves Bridge settings.
func LoadBridge() Bridge {
	b := loaded.Bridge
	b.Port = envInt("BRIDGE_PORT", defInt(b.Port, 9090))
	b.EventLogSize = envInt("BRIDGE_EVENT_LOG_SIZE", defInt(b.EventLogSize, 10000))
	b.ScreenshotsDir = envStr("SCREENSHOTS_DIR", defStr(b.ScreenshotsDir, ".franklab/screenshots"))
	return b
}

// Doctor configures the planner.
type Doctor struct {
	Port                  int      `yaml:"port"`
	MaxActivePlans        int      `yaml:"max_active_plans"`
	PlanTTLMs             int      `yaml:"plan_ttl_ms"`
	PlanCleanupIntervalMs int      `yaml:"plan_cleanup_interval_ms"`
	RateLimitMaxRequests  int      `yaml:"rate_limit_max_requests"`
	RateLimitWindowMs     int      `yaml:"rate_limit_window_ms"`
	AllowedOrigins        []string `yaml:"allowed_origins"`
	StateDir              string   `yaml:"state_dir"`
	ExperienceDir         string   `yaml:"experience_dir"`
	ToolCreationEnabled   bool     `yaml:"frank_tool_creation_enabled"`
	FailureThreshold      int      `yaml:"failure_threshold_for_tool"`
	FrankURL              string   `yaml:"frank_url"`
	FrankSpawnCommand     string   `yaml:"frank_spawn_command"`
	IgorSpawnCommand      string   `yaml:"igor_spawn_command"`
	AllowLocalhost        bool     `yaml:"allow_localhost"`
}

// LoadDoctor resolves Doctor settings.
func LoadDoctor() Doctor {
	d := loaded.Doctor
	d.Port = envInt("DOCTOR_PORT", defInt(d.Port, 9091))
	d.MaxActivePlans = envInt("MAX_ACTIVE_PLANS", defInt(d.MaxActivePlans, 10))
	d.PlanTTLMs = envInt("PLAN_TTL_MS", defInt(d.PlanTTLMs, 30*60*1000))
	d.PlanCleanupIntervalMs = envInt("PLAN_CLEANUP_INTERVAL_MS", defInt(d.PlanCleanupIntervalMs, 60*1000))
	d.RateLimitMaxRequests = envInt("RATE_LIMIT_MAX_REQUESTS", defInt(d.RateLimitMaxRequests, 60))
	d.RateLimitWindowMs = envInt("RATE_LIMIT_WINDOW_MS", defInt(d.RateLimitWindowMs, 60*1000))
	d.AllowedOrigins = envList("ALLOWED_ORIGINS", d.AllowedOrigins)
	d.StateDir = envStr("DOCTOR_STATE_DIR", defStr(d.StateDir, ".franklab/doctor"))
	d.ExperienceDir = envStr("EXPERIENCE_DIR", defStr(d.ExperienceDir, ".franklab/experience"))
	d.ToolCreationEnabled = envBool("FRANK_TOOL_CREATION_ENABLED", true)
	d.FailureThreshold = envInt("FAILURE_THRESHOLD_FOR_TOOL", defInt(d.FailureThreshold, 2))
	d.FrankURL = envStr("FRANK_URL", defStr(d.FrankURL, "http://127.0.0.1:9092"))
	d.FrankSpawnCommand = envStr("FRANK_SPAWN_COMMAND", d.FrankSpawnCommand)
	d.IgorSpawnCommand = envStr("IGOR_SPAWN_COMMAND", d.IgorSpawnCommand)
	d.AllowLocalhost = envBool("ALLOW_LOCALHOST", true)
	return d
}

// PlanTTL returns the terminal-plan retention window.
func (d Doctor) PlanTTL() time.Duration {
	return time.Duration(d.PlanTTLMs) * time.Millisecond
}

// PlanCleanupInterval returns the eviction sweep period.
func (d Doctor) PlanCleanupInterval() time.Duration {
	return time.Duration(d.PlanCleanupIntervalMs) * time.Millisecond
}

// RateLimitWindow returns the sliding-window width.
func (d Doctor) RateLimitWindow() time.Duration {
	return time.Duration(d.RateLimitWindowMs) * time.Millisecond
}

// Frank configures the tool host.
type Frank struct {
	Port               int    `yaml:"port"`
	MaxBrowsers        int    `yaml:"max_browsers"`
	MaxPages           int    `yaml:"max_pages"`
	BrowserIdleTimeout int    `yaml:"browser_idle_timeout_ms"`
	ScreenshotsDir     string `yaml:"screenshots_dir"`
	ToolsDir           string `yaml:"tools_dir"`
	AllowLocalhost     bool   `yaml:"allow_localhost"`
	Headless           bool   `yaml:"headless"`
}

// LoadFrank resolves Frank settings.
func LoadFrank() Frank {
	f := loaded.Frank
	f.Port = envInt("FRANKENSTEIN_PORT", defInt(f.Port, 9092))
	f.MaxBrowsers = envInt("MAX_BROWSERS", defInt(f.MaxBrowsers, 3))
	f.MaxPages = envInt("MAX_PAGES", defInt(f.MaxPages, 10))
	f.BrowserIdleTimeout = envInt("BROWSER_IDLE_TIMEOUT", defInt(f.BrowserIdleTimeout, 5*60*1000))
	f.ScreenshotsDir = envStr("SCREENSHOTS_DIR", defStr(f.ScreenshotsDir, ".franklab/screenshots"))
	f.ToolsDir = envStr("FRANK_TOOLS_DIR", defStr(f.ToolsDir, ".franklab/tools"))
	f.AllowLocalhost = envBool("ALLOW_LOCALHOST", true)
	f.Headless = envBool("FRANK_HEADLESS", true)
	return f
}

// IdleTimeout returns the browser idle eviction threshold.
func (f Frank) IdleTimeout() time.Duration {
	return time.Duration(f.BrowserIdleTimeout) * time.Millisecond
}

// Igor configures one worker.
type Igor struct {
	ID      string `yaml:"id"`
	RouteID string `yaml:"route_id"`
}

// LoadIgor resolves Igor settings.
func LoadIgor() Igor {
	i := loaded.Igor
	i.ID = envStr("IGOR_ID", defStr(i.ID, "igor"))
	i.RouteID = envStr("IGOR_ROUTE", i.RouteID)
	return i
}
