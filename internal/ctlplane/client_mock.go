package ctlplane

import (
	"context"

	"github.com/stretchr/testify/mock"

	"grimm.is/apmux/internal/protocol"
)

// MockControlPlaneClient is a mock implementation of ControlPlaneClient for testing.
type MockControlPlaneClient struct {
	mock.Mock
}

func (m *MockControlPlaneClient) Close() error {
	return m.Called().Error(0)
}

func (m *MockControlPlaneClient) Events() <-chan protocol.Event {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(<-chan protocol.Event)
}

func (m *MockControlPlaneClient) Command(ctx context.Context, iface, command string) (string, error) {
	args := m.Called(ctx, iface, command)
	return args.String(0), args.Error(1)
}

func (m *MockControlPlaneClient) DriverCommand(ctx context.Context, cmd protocol.DriverCommand) ([]byte, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockControlPlaneClient) Register(ctx context.Context, t protocol.IfType, iface string, opcodes ...string) error {
	return m.Called(ctx, t, iface, opcodes).Error(0)
}

func (m *MockControlPlaneClient) Unregister(ctx context.Context, t protocol.IfType, iface string) error {
	return m.Called(ctx, t, iface).Error(0)
}

func (m *MockControlPlaneClient) Attach(ctx context.Context, t protocol.IfType, iface string) error {
	return m.Called(ctx, t, iface).Error(0)
}

func (m *MockControlPlaneClient) Detach(ctx context.Context, t protocol.IfType, iface string) error {
	return m.Called(ctx, t, iface).Error(0)
}

func (m *MockControlPlaneClient) Status(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
