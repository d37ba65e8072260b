package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 调试客户端配置
type Config struct {
	// Port DAP服务监听端口
	Port string `yaml:"port"`
	// AgentURL 远程调试agent的websocket地址
	AgentURL string `yaml:"agentUrl"`
	LogPath  string `yaml:"logPath"`
	LogLevel string `yaml:"logLevel"`
	// HelperTimeout 阻塞式断点操作等待agent回复的最长时间
	HelperTimeout time.Duration `yaml:"helperTimeout"`
	// IdleTimeout 超过该时间没有收到agent的任何消息则断开连接，0表示不检测
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// ReplyBufferWarnThreshold 缓存的回复数超过该值时打印警告
	ReplyBufferWarnThreshold int `yaml:"replyBufferWarnThreshold"`
	// MaxUnexpectedReplies 阻塞式操作最多容忍的无关回复数
	MaxUnexpectedReplies int `yaml:"maxUnexpectedReplies"`
}

func Default() *Config {
	return &Config{
		Port:                     "8889",
		AgentURL:                 "ws://127.0.0.1:2222/agent",
		LogPath:                  "/var/gobpsync.log",
		LogLevel:                 "info",
		HelperTimeout:            10 * time.Second,
		IdleTimeout:              0,
		ReplyBufferWarnThreshold: 1000,
		MaxUnexpectedReplies:     100,
	}
}

// Load 读取yaml配置，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, err
	}
	if err = yaml.Unmarshal(buf, config); err != nil {
		return nil, fmt.Errorf("%s parse failed: %w", path, err)
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.HelperTimeout <= 0 {
		return fmt.Errorf("helperTimeout must be positive, got %v", c.HelperTimeout)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idleTimeout must not be negative, got %v", c.IdleTimeout)
	}
	if c.ReplyBufferWarnThreshold <= 0 {
		return fmt.Errorf("replyBufferWarnThreshold must be positive, got %d", c.ReplyBufferWarnThreshold)
	}
	if c.MaxUnexpectedReplies < 0 {
		return fmt.Errorf("maxUnexpectedReplies must not be negative, got %d", c.MaxUnexpectedReplies)
	}
	return nil
}
