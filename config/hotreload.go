// 配置热重载管理器实现。
//
// 轮询配置文件修改时间，重新加载后做差异比较、变更通知与失败回滚。
// 只有日志级别与限流参数可在运行时生效，其余字段变更记录为需重启。
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// ReloadCallback 在新配置生效后调用；panic 会触发回滚
type ReloadCallback func(oldConfig, newConfig *Config)

// ValidateFunc 配置验证钩子，返回 error 表示拒绝新配置
type ValidateFunc func(newConfig *Config) error

// ConfigChange 代表一次字段变更
type ConfigChange struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Applied         bool      `json:"applied"`
	Error           string    `json:"error,omitempty"`
}

// ConfigSnapshot 配置快照（用于历史记录和回滚）
type ConfigSnapshot struct {
	Config    *Config   `json:"config"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// liveFields 可在运行时生效的字段
var liveFields = map[string]bool{
	"Log.Level":             true,
	"Server.RateLimitRPS":   true,
	"Server.RateLimitBurst": true,
}

// sensitiveFields 在变更日志中脱敏的字段
var sensitiveFields = map[string]bool{
	"Database.Password":   true,
	"Redis.Password":      true,
	"JWT.Secret":          true,
	"Server.RuntimeToken": true,
}

// IsHotReloadable 检查字段是否可以在不重启的情况下生效
func IsHotReloadable(path string) bool {
	return liveFields[path]
}

// --- 热重载管理器 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config         *Config
	previousConfig *Config
	history        []ConfigSnapshot
	changeLog      []ConfigChange

	configPath     string
	envPrefix      string
	pollInterval   time.Duration
	maxHistorySize int
	validateFunc   ValidateFunc
	callbacks      []ReloadCallback
	lastModTime    time.Time

	logger  *zap.Logger
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) { m.logger = logger }
}

// WithConfigPath 设置监视的配置文件路径
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) { m.configPath = path }
}

// WithReloadEnvPrefix 设置重新加载时使用的环境变量前缀
func WithReloadEnvPrefix(prefix string) HotReloadOption {
	return func(m *HotReloadManager) { m.envPrefix = prefix }
}

// WithPollInterval 设置文件轮询间隔
func WithPollInterval(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithMaxHistorySize 设置配置历史最大记录数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置配置验证钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) { m.validateFunc = fn }
}

// NewHotReloadManager 创建热重载管理器，初始配置记为版本 1
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         config,
		envPrefix:      "AGENTGOV",
		pollInterval:   time.Second,
		maxHistorySize: 10,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	m.pushHistory(config, "init")
	return m
}

// Start 启动文件轮询；未设置路径时只支持手动 ApplyConfig
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("hot reload manager already running")
	}
	m.running = true
	if m.configPath == "" {
		return nil
	}

	if info, err := os.Stat(m.configPath); err == nil {
		m.lastModTime = info.ModTime()
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.pollLoop(ctx, m.done)

	m.logger.Info("hot reload started",
		zap.String("config_path", m.configPath),
		zap.Duration("poll_interval", m.pollInterval))
	return nil
}

// Stop 停止文件轮询
func (m *HotReloadManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.logger.Info("hot reload stopped")
}

func (m *HotReloadManager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.fileChanged() {
				if err := m.ReloadFromFile(); err != nil {
					m.logger.Error("reload failed, keeping current config", zap.Error(err))
				}
			}
		}
	}
}

// fileChanged 比较文件修改时间
func (m *HotReloadManager) fileChanged() bool {
	info, err := os.Stat(m.configPath)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !info.ModTime().After(m.lastModTime) {
		return false
	}
	m.lastModTime = info.ModTime()
	return true
}

// ReloadFromFile 从文件重新加载、校验并应用配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return errors.New("no config path set")
	}
	newConfig, err := NewLoader().
		WithConfigPath(m.configPath).
		WithEnvPrefix(m.envPrefix).
		Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 应用新配置。校验、替换与历史记录在锁内完成，回调在锁外执行。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()
	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.appendChanges(ConfigChange{
				Timestamp: time.Now(),
				Source:    source,
				Path:      "(validation_hook)",
				Error:     err.Error(),
			})
			m.mu.Unlock()
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	oldConfig := m.config
	changes := diffConfigs(oldConfig, newConfig)
	requiresRestart := false
	now := time.Now()
	for i := range changes {
		c := &changes[i]
		c.Timestamp = now
		c.Source = source
		c.Applied = true
		c.RequiresRestart = !liveFields[c.Path]
		if sensitiveFields[c.Path] {
			c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
		}
		requiresRestart = requiresRestart || c.RequiresRestart
		m.logger.Info("configuration changed",
			zap.String("path", c.Path),
			zap.Any("old_value", c.OldValue),
			zap.Any("new_value", c.NewValue),
			zap.Bool("requires_restart", c.RequiresRestart))
	}

	m.previousConfig = oldConfig
	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.appendChanges(changes...)
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	if err := runCallbacks(callbacks, oldConfig, newConfig); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.rollbackLocked(oldConfig, err.Error())
		}
		m.mu.Unlock()
		return fmt.Errorf("config applied but callback failed, rolled back: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded", zap.Int("changes", len(changes)), zap.String("source", source))
	return nil
}

func runCallbacks(callbacks []ReloadCallback, oldConfig, newConfig *Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reload callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		cb(oldConfig, newConfig)
	}
	return nil
}

// OnReload 注册配置生效后的回调
func (m *HotReloadManager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Rollback 回滚到上一个生效的配置
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previousConfig == nil {
		return errors.New("no previous config available for rollback")
	}
	m.rollbackLocked(m.previousConfig, "manual rollback")
	return nil
}

// rollbackLocked 调用方必须持有写锁
func (m *HotReloadManager) rollbackLocked(target *Config, reason string) {
	m.config = target
	m.previousConfig = nil
	m.pushHistory(target, "rollback")
	m.appendChanges(ConfigChange{
		Timestamp: time.Now(),
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	})
	m.logger.Warn("configuration rolled back", zap.String("reason", reason))
}

// GetConfig 返回当前配置的副本
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.config)
}

// GetCurrentVersion 返回当前配置版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[len(m.history)-1].Version
}

// GetConfigHistory 返回配置快照历史
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.history...)
}

// GetChangeLog 返回最近 limit 条变更，limit<=0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}
	return append([]ConfigChange(nil), m.changeLog[len(m.changeLog)-limit:]...)
}

// SanitizedConfig 返回敏感字段已脱敏的配置视图
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	data, err := json.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	redactSensitive(out)
	return out
}

// --- 内部辅助 ---

func (m *HotReloadManager) pushHistory(cfg *Config, source string) {
	version := 1
	if n := len(m.history); n > 0 {
		version = m.history[n-1].Version + 1
	}
	m.history = append(m.history, ConfigSnapshot{
		Config:    deepCopyConfig(cfg),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  checksum(cfg),
	})
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
}

func (m *HotReloadManager) appendChanges(changes ...ConfigChange) {
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}
}

// deepCopyConfig 通过 JSON 往返深拷贝
func deepCopyConfig(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	return &out
}

func checksum(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// diffConfigs 递归比较两个配置的导出字段
func diffConfigs(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, changes)
			continue
		}
		if !reflect.DeepEqual(o.Interface(), n.Interface()) {
			*changes = append(*changes, ConfigChange{Path: path, OldValue: o.Interface(), NewValue: n.Interface()})
		}
	}
}

var sensitiveKeys = []string{"password", "secret", "token", "public_key"}

func redactSensitive(data map[string]any) {
	for key, value := range data {
		if nested, ok := value.(map[string]any); ok {
			redactSensitive(nested)
			continue
		}
		lower := strings.ToLower(key)
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				if str, ok := value.(string); ok && str != "" {
					data[key] = "[REDACTED]"
				}
				break
			}
		}
	}
}
