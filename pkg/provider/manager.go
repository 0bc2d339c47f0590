package provider

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/logger"
	"comicfeed/pkg/provider/core"
)

// ProviderManager 提供商管理器，按 key 注册和查找提供商
type ProviderManager struct {
	providers map[string]core.Provider
	order     []string
	mu        sync.RWMutex
	log       *logrus.Entry
}

// NewProviderManager 创建新的提供商管理器
func NewProviderManager() *ProviderManager {
	return &ProviderManager{
		providers: make(map[string]core.Provider),
		log:       logger.WithComponent("ProviderManager"),
	}
}

// RegisterProvider 校验描述信息后注册提供商
func (m *ProviderManager) RegisterProvider(p core.Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	d := p.Descriptor()
	warnings, err := d.Validate()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		m.log.WithField("provider", d.Key).Warn(w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[d.Key]; exists {
		return fmt.Errorf("%w: %s", core.ErrProviderExists, d.Key)
	}
	m.providers[d.Key] = p
	m.order = append(m.order, d.Key)

	m.log.WithFields(logrus.Fields{
		"provider": d.Key,
		"name":     d.Name,
		"version":  d.Version,
	}).Info("provider registered")
	return nil
}

// UnregisterProvider 注销提供商
func (m *ProviderManager) UnregisterProvider(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[key]; !exists {
		return fmt.Errorf("%w: %s", core.ErrProviderNotFound, key)
	}
	delete(m.providers, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetProvider 获取提供商
func (m *ProviderManager) GetProvider(key string) (core.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, exists := m.providers[key]; exists {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrProviderNotFound, key)
}

// HasProvider 是否已注册
func (m *ProviderManager) HasProvider(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.providers[key]
	return ok
}

// ListProviders 按注册顺序返回所有提供商的描述
func (m *ProviderManager) ListProviders() []core.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Descriptor, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.providers[key].Descriptor())
	}
	return out
}
