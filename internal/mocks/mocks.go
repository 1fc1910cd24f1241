// Package mocks holds testify mocks shared by command tests.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/service"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Portal() config.PortalConfig {
	args := m.Called()
	return args.Get(0).(config.PortalConfig)
}

func (m *MockConfig) Challenge() config.ChallengeConfig {
	args := m.Called()
	return args.Get(0).(config.ChallengeConfig)
}

func (m *MockConfig) Renderer() config.RendererConfig {
	args := m.Called()
	return args.Get(0).(config.RendererConfig)
}

func (m *MockConfig) Session() config.SessionConfig {
	args := m.Called()
	return args.Get(0).(config.SessionConfig)
}

func (m *MockConfig) Catalog() config.CatalogConfig {
	args := m.Called()
	return args.Get(0).(config.CatalogConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) API() config.APIConfig {
	args := m.Called()
	return args.Get(0).(config.APIConfig)
}

// -- Component Factory Mock --

// MockComponentFactory mocks service.ComponentFactory.
type MockComponentFactory struct {
	mock.Mock
}

var _ service.ComponentFactory = (*MockComponentFactory)(nil)

func (m *MockComponentFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	if c := args.Get(0); c != nil {
		return c.(*service.Components), args.Error(1)
	}
	return nil, args.Error(1)
}
