package network

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
)

func dev(name string) netlink.Link {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name}}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func staticConfig(m map[string]LinkConfig) LinkConfigFunc {
	return func(vap string) (LinkConfig, bool) {
		c, ok := m[vap]
		return c, ok
	}
}

func TestBridgeHook_ConnectedWalksVAPList(t *testing.T) {
	nl := new(MockNetlinker)
	hook := NewBridgeHook(nl, staticConfig(map[string]LinkConfig{
		"wlan0.0": {Bridge: "br-lan", MTU: 1400},
		"wlan0.1": {Bridge: "br-guest"},
	}), quietLogger())

	nl.On("LinkByName", "wlan0.0").Return(dev("wlan0.0"), nil)
	nl.On("LinkByName", "wlan0.1").Return(dev("wlan0.1"), nil)
	nl.On("LinkByName", "br-lan").Return(dev("br-lan"), nil)
	nl.On("LinkByName", "br-guest").Return(dev("br-guest"), nil)
	nl.On("LinkSetMaster", dev("wlan0.0"), dev("br-lan")).Return(nil).Once()
	nl.On("LinkSetMaster", dev("wlan0.1"), dev("br-guest")).Return(nil).Once()
	nl.On("LinkSetMTU", dev("wlan0.0"), 1400).Return(nil).Once()

	err := hook.HandleEvent("wlan0", events.OpConnected, "vaps= wlan0.0 wlan0.1 wlan2")
	require.NoError(t, err)
	nl.AssertExpectations(t)
	nl.AssertNotCalled(t, "LinkSetMTU", dev("wlan0.1"), mock.Anything)
}

func TestBridgeHook_IgnoresVAPLifecycle(t *testing.T) {
	nl := new(MockNetlinker)
	hook := NewBridgeHook(nl, staticConfig(nil), quietLogger())

	require.NoError(t, hook.HandleEvent("wlan0.1", events.OpReconnected, "vaps= wlan0.1"))
	require.NoError(t, hook.HandleEvent("wlan0", events.OpReconnected, ""))
	nl.AssertNotCalled(t, "LinkByName", mock.Anything)
}

func TestBridgeHook_APEnabled(t *testing.T) {
	nl := new(MockNetlinker)
	hook := NewBridgeHook(nl, staticConfig(map[string]LinkConfig{
		"wlan2.1": {Bridge: "br-lan", MTU: 9000},
	}), quietLogger())

	nl.On("LinkByName", "wlan2.1").Return(dev("wlan2.1"), nil)
	nl.On("LinkByName", "br-lan").Return(dev("br-lan"), nil)
	nl.On("LinkSetMaster", dev("wlan2.1"), dev("br-lan")).Return(nil)
	nl.On("LinkSetMTU", dev("wlan2.1"), 9000).Return(errors.New("device busy"))

	err := hook.HandleEvent("wlan2", events.OpAPEnabled, "AP-ENABLED wlan2.1")
	assert.ErrorContains(t, err, "device busy")

	assert.ErrorIs(t, hook.HandleEvent("wlan2", events.OpAPEnabled, "AP-ENABLED"), ErrMalformedEvent)
}

func TestBridgeHook_InvalidMTU(t *testing.T) {
	nl := new(MockNetlinker)
	hook := NewBridgeHook(nl, staticConfig(map[string]LinkConfig{
		"wlan0.0": {MTU: 40},
	}), quietLogger())

	err := hook.HandleEvent("wlan0", events.OpAPEnabled, "AP-ENABLED wlan0.0")
	assert.ErrorContains(t, err, "invalid MTU 40")
	nl.AssertNotCalled(t, "LinkSetMTU", mock.Anything, mock.Anything)
}

func TestBridgeHook_WDSStationOnlyEnslaved(t *testing.T) {
	nl := new(MockNetlinker)
	hook := NewBridgeHook(nl, staticConfig(map[string]LinkConfig{
		"wlan0.1": {Bridge: "br-lan", MTU: 1500},
	}), quietLogger())

	nl.On("LinkByName", "wlan0.1.sta1").Return(dev("wlan0.1.sta1"), nil)
	nl.On("LinkByName", "br-lan").Return(dev("br-lan"), nil)
	nl.On("LinkSetMaster", dev("wlan0.1.sta1"), dev("br-lan")).Return(nil).Once()

	err := hook.HandleEvent("wlan0.1", events.OpWDSStaIfaceAdd,
		"WDS-STA-INTERFACE-ADDED wlan0.1 ifname=wlan0.1.sta1 sta_addr=00:11:22:33:44:55")
	require.NoError(t, err)
	nl.AssertExpectations(t)
	nl.AssertNotCalled(t, "LinkSetMTU", mock.Anything, mock.Anything)

	err = hook.HandleEvent("wlan0.1", events.OpWDSStaIfaceAdd, "WDS-STA-INTERFACE-ADDED wlan0.1 sta_addr=00:11")
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestBridgeHook_DryRun(t *testing.T) {
	nl := NewDryRunNetlinker()
	hook := NewBridgeHook(nl, staticConfig(map[string]LinkConfig{
		"wlan0.0": {Bridge: "br-lan", MTU: 1400},
	}), quietLogger())

	require.NoError(t, hook.HandleEvent("wlan0", events.OpConnected, "vaps= wlan0.0"))
	assert.Equal(t, []string{
		"ip link set wlan0.0 master br-lan",
		"ip link set wlan0.0 mtu 1400",
	}, nl.Operations())

	name, err := IfName(nl, 12)
	require.NoError(t, err)
	assert.Equal(t, "if12", name)
}

func TestBridgeHook_UnknownOpcode(t *testing.T) {
	hook := NewBridgeHook(new(MockNetlinker), nil, quietLogger())
	assert.NoError(t, hook.HandleEvent("wlan0", "AP-STA-CONNECTED", "AP-STA-CONNECTED aa"))
}
