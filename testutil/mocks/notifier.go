// MockNotifier 通知服务的测试模拟实现。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentgov/governance/notify"
)

// SentNotification 记录一次通知
type SentNotification struct {
	Recipient    string
	Notification notify.Notification
}

// MockNotifier 记录所有通知，可注入错误
type MockNotifier struct {
	mu   sync.Mutex
	sent []SentNotification
	err  error
}

// NewMockNotifier 创建新的 MockNotifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// WithError 设置通知错误
func (m *MockNotifier) WithError(err error) *MockNotifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MockNotifier) Notify(_ context.Context, recipient string, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentNotification{Recipient: recipient, Notification: n})
	return m.err
}

// Kinds 返回已发送通知的类型（按发送顺序）
func (m *MockNotifier) Kinds() []notify.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.Kind, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Notification.Kind
	}
	return out
}

// Count 返回已发送通知数
func (m *MockNotifier) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
