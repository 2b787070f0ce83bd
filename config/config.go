package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/HannahMarsh/PrettyLogger"
	"github.com/ilyakaznacheev/cleanenv"
)

type Entry struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PrometheusPort int    `yaml:"prometheus_port"`
	Address        string
}

type Routing struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PrometheusPort int    `yaml:"prometheus_port"`
	Address        string
}

type Exit struct {
	ID             int    `yaml:"id"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	PrometheusPort int    `yaml:"prometheus_port"`
	Address        string
}

type Upstream struct {
	URL    string  `yaml:"url"`
	Weight float64 `yaml:"weight"`
}

type Mixing struct {
	EpochMs   int `yaml:"epoch_ms"`
	MinBatch  int `yaml:"min_batch"`
	DummySize int `yaml:"dummy_size"`
}

type Circuit struct {
	TTLSeconds          int `yaml:"ttl_seconds"`
	SweepIntervalSecs   int `yaml:"sweep_interval_seconds"`
	TombstoneTTLSeconds int `yaml:"tombstone_ttl_seconds"`
}

type ExitPolicy struct {
	UpstreamTimeoutMs int `yaml:"upstream_timeout_ms"`
	RetryBudget       int `yaml:"retry_budget"`
	CooldownMs        int `yaml:"cooldown_ms"`
}

type Auth struct {
	Mode      string   `yaml:"mode"` // static | http | postgres
	URL       string   `yaml:"url"`
	DSN       string   `yaml:"dsn"`
	TimeoutMs int      `yaml:"timeout_ms"`
	APIKeys   []string `yaml:"api_keys"`
}

type Config struct {
	Entry            Entry      `yaml:"entry"`
	Routing          Routing    `yaml:"routing"`
	Exits            []Exit     `yaml:"exits"`
	Upstreams        []Upstream `yaml:"upstreams"`
	Mixing           Mixing     `yaml:"mixing"`
	Circuit          Circuit    `yaml:"circuit"`
	ExitPolicy       ExitPolicy `yaml:"exit_policy"`
	Auth             Auth       `yaml:"auth"`
	RequestTimeoutMs int        `yaml:"request_timeout_ms"`
	RelayTimeoutMs   int        `yaml:"relay_timeout_ms"`
}

var GlobalConfig *Config
var GlobalCtx context.Context
var GlobalCancel context.CancelFunc

func InitGlobal() (error, string) {
	GlobalCtx, GlobalCancel = context.WithCancel(context.Background())

	GlobalConfig = &Config{}

	path := ""

	if dir, err := os.Getwd(); err != nil {
		return PrettyLogger.WrapError(err, "config.InitGlobal(): global config error"), ""
	} else if err2 := cleanenv.ReadConfig(dir+"/config/config.yml", GlobalConfig); err2 != nil {

		// Get the absolute path of the current file
		_, currentFile, _, ok := runtime.Caller(0)
		if !ok {
			return PrettyLogger.NewError("Failed to get current file path"), ""
		}
		currentDir := filepath.Dir(currentFile)
		configFilePath := filepath.Join(currentDir, "/config.yml")
		if err3 := cleanenv.ReadConfig(configFilePath, GlobalConfig); err3 != nil {
			return PrettyLogger.WrapError(err3, "config.InitGlobal(): global config error"), ""
		} else {
			path = configFilePath
		}
	} else {
		path = dir + "/config/config.yml"
		if err3 := cleanenv.ReadEnv(GlobalConfig); err3 != nil {
			return PrettyLogger.WrapError(err3, "config.InitGlobal(): global config error"), ""
		}
	}

	GlobalConfig.Entry.Address = fmt.Sprintf("http://%s:%d", GlobalConfig.Entry.Host, GlobalConfig.Entry.Port)
	GlobalConfig.Routing.Address = fmt.Sprintf("http://%s:%d", GlobalConfig.Routing.Host, GlobalConfig.Routing.Port)
	for i := range GlobalConfig.Exits {
		GlobalConfig.Exits[i].Address = fmt.Sprintf("http://%s:%d", GlobalConfig.Exits[i].Host, GlobalConfig.Exits[i].Port)
	}
	return nil, path
}

func (c *Config) Epoch() time.Duration {
	return time.Duration(c.Mixing.EpochMs) * time.Millisecond
}

func (c *Config) CircuitTTL() time.Duration {
	return time.Duration(c.Circuit.TTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Circuit.SweepIntervalSecs) * time.Second
}

func (c *Config) TombstoneTTL() time.Duration {
	return time.Duration(c.Circuit.TombstoneTTLSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.ExitPolicy.UpstreamTimeoutMs) * time.Millisecond
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.ExitPolicy.CooldownMs) * time.Millisecond
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.TimeoutMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutMs) * time.Millisecond
}

// ExitAddresses returns the relay addresses of all configured exit nodes.
func (c *Config) ExitAddresses() []string {
	addrs := make([]string, 0, len(c.Exits))
	for _, e := range c.Exits {
		addrs = append(addrs, e.Address)
	}
	return addrs
}
