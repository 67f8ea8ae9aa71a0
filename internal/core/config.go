package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RecoveryAshes/stealthfetch/internal/emulator"
	"github.com/RecoveryAshes/stealthfetch/internal/models"
	"github.com/RecoveryAshes/stealthfetch/internal/privacy"
	"github.com/RecoveryAshes/stealthfetch/internal/proxy"
	"github.com/RecoveryAshes/stealthfetch/internal/utils"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Browser      BrowserConfig        `mapstructure:"browser"`
	Pool         PoolConfig           `mapstructure:"pool"`
	Privacy      privacy.Config       `mapstructure:"privacy"`
	Fetch        FetchConfig          `mapstructure:"fetch"`
	Proxy        proxy.Config         `mapstructure:"proxy"`
	Resource     ResourceConfig       `mapstructure:"resource"`
	Logging      LoggingConfig        `mapstructure:"logging"`
	Output       OutputConfig         `mapstructure:"output"`
	Fingerprints []models.Fingerprint `mapstructure:"fingerprints"`
}

// BrowserConfig 浏览器配置
type BrowserConfig struct {
	Headless  bool   `mapstructure:"headless"`
	NoSandbox bool   `mapstructure:"no_sandbox"`
	Bin       string `mapstructure:"bin"`
	DataDir   string `mapstructure:"data_dir"`
	Stealth   bool   `mapstructure:"stealth"`
}

// PoolConfig 驱动池配置
type PoolConfig struct {
	// MaxDrivers 每个驱动池的驱动数, 0表示按系统资源计算
	MaxDrivers      int           `mapstructure:"max_drivers"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	CloseTimeToWait time.Duration `mapstructure:"close_time_to_wait"`
}

// FetchConfig 抓取配置
type FetchConfig struct {
	Workers         int             `mapstructure:"workers"`
	MaxCrawlRetries int             `mapstructure:"max_crawl_retries"`
	BatchDelay      time.Duration   `mapstructure:"batch_delay"`
	Headers         []string        `mapstructure:"headers"`
	Interact        emulator.Config `mapstructure:"interact"`
}

// ResourceConfig 资源加载与资源监控配置
type ResourceConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	SafetyReserveMemory int64         `mapstructure:"safety_reserve_memory_mb"`
	CPULoadThreshold    int           `mapstructure:"cpu_load_threshold"`
	MaxDriversLimit     int           `mapstructure:"max_drivers_limit"`
	DriverMemoryUsage   int64         `mapstructure:"driver_memory_mb"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	Report  bool   `mapstructure:"report"`
}

var (
	// ErrInvalidConfig 配置校验失败
	ErrInvalidConfig = errors.New("配置无效")
)

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".stealthfetch"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: err})
		}
	} else {
		utils.Debugf("使用配置文件: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", &models.ConfigError{FilePath: v.ConfigFileUsed(), Cause: err})
	}
	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.data_dir", "")

	v.SetDefault("pool.max_drivers", 0)
	v.SetDefault("pool.task_timeout", "5m")
	v.SetDefault("pool.close_time_to_wait", "10s")

	v.SetDefault("privacy.max_retry", 2)
	v.SetDefault("privacy.leak_warning_threshold", 1)
	v.SetDefault("privacy.max_zombies", 15)
	v.SetDefault("privacy.max_bad_contexts", 10)
	v.SetDefault("privacy.close_time_to_wait", "10s")

	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.max_crawl_retries", 2)
	v.SetDefault("fetch.batch_delay", "0s")
	v.SetDefault("fetch.interact.ready_interval", "1s")
	v.SetDefault("fetch.interact.ready_rounds", 60)
	v.SetDefault("fetch.interact.initial_scroll", 5)
	v.SetDefault("fetch.interact.scroll_count", 3)
	v.SetDefault("fetch.interact.scroll_interval", "500ms")

	v.SetDefault("proxy.rate_per_second", 0)
	v.SetDefault("proxy.burst", 1)

	v.SetDefault("resource.timeout", "30s")
	v.SetDefault("resource.safety_reserve_memory_mb", 1024)
	v.SetDefault("resource.cpu_load_threshold", 200)
	v.SetDefault("resource.max_drivers_limit", 8)
	v.SetDefault("resource.driver_memory_mb", 150)
	v.SetDefault("resource.monitor_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("output.base_dir", "output")
	v.SetDefault("output.report", true)
}

// MergeCLIFlags 合并命令行参数到配置, 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(
	workers int,
	maxDrivers int,
	maxCrawlRetries int,
	headless bool,
	proxies []string,
	headers []string,
	taskTimeout time.Duration,
) {
	if workers > 0 {
		c.Fetch.Workers = workers
	}
	if maxDrivers > 0 {
		c.Pool.MaxDrivers = maxDrivers
	}
	if maxCrawlRetries >= 0 {
		c.Fetch.MaxCrawlRetries = maxCrawlRetries
	}
	c.Browser.Headless = headless
	if len(proxies) > 0 {
		c.Proxy.URLs = proxies
	}
	if len(headers) > 0 {
		c.Fetch.Headers = append(c.Fetch.Headers, headers...)
	}
	if taskTimeout > 0 {
		c.Pool.TaskTimeout = taskTimeout
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Fetch.Workers < 1 {
		return fmt.Errorf("%w: fetch.workers 必须大于0", ErrInvalidConfig)
	}
	if c.Fetch.MaxCrawlRetries < 0 {
		return fmt.Errorf("%w: fetch.max_crawl_retries 不能为负数", ErrInvalidConfig)
	}
	if c.Privacy.MaxRetry < 1 {
		return fmt.Errorf("%w: privacy.max_retry 必须大于0", ErrInvalidConfig)
	}
	if c.Privacy.LeakWarningThreshold < 1 {
		return fmt.Errorf("%w: privacy.leak_warning_threshold 必须大于0", ErrInvalidConfig)
	}
	if c.Pool.MaxDrivers < 0 {
		return fmt.Errorf("%w: pool.max_drivers 不能为负数", ErrInvalidConfig)
	}
	for _, raw := range c.Proxy.URLs {
		if _, err := models.ParseProxyEntry(raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	headers, err := models.CliHeaders(c.Fetch.Headers).Parse()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := utils.NewHeaderValidator().Validate(headers); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LogConfig 转换为日志系统配置
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}
