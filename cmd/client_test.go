package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/apmux/internal/ctlplane"
	"grimm.is/apmux/internal/protocol"
)

func TestRunCommand(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Command", mock.Anything, "wlan0", "SET ssid test").Return("OK", nil)

	var out bytes.Buffer
	require.NoError(t, RunCommand(context.Background(), c, &out, "wlan0", []string{"SET", "ssid", "test"}))
	assert.Equal(t, "OK\n", out.String())
	c.AssertExpectations(t)
}

func TestRunCommand_StatusError(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Command", mock.Anything, "wlan9", "PING").
		Return("", &protocol.StatusError{Status: protocol.StatusInterfaceDown})

	err := RunCommand(context.Background(), c, &bytes.Buffer{}, "wlan9", []string{"PING"})
	var serr *protocol.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, protocol.StatusInterfaceDown, serr.Status)
}

func TestRunCommand_Usage(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	assert.Error(t, RunCommand(context.Background(), c, &bytes.Buffer{}, "wlan0", nil))
	c.AssertNotCalled(t, "Command", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunVendor(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	want := protocol.DriverCommand{
		Name:       "phy0",
		Command:    nl80211CmdVendor,
		IDType:     protocol.IDPhy,
		Subcommand: 0x10,
		Data:       []byte{0xde, 0xad},
		WantReply:  true,
	}
	c.On("DriverCommand", mock.Anything, want).Return([]byte{0x01, 0x02}, nil)

	var out bytes.Buffer
	require.NoError(t, RunVendor(context.Background(), c, &out, "phy0", "0x10", "dead", true))
	assert.Equal(t, "0102\n", out.String())
	c.AssertExpectations(t)
}

func TestRunVendor_BadInput(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	assert.Error(t, RunVendor(context.Background(), c, &bytes.Buffer{}, "wlan0", "x", "", false))
	assert.Error(t, RunVendor(context.Background(), c, &bytes.Buffer{}, "wlan0", "1", "zz", false))
	c.AssertNotCalled(t, "DriverCommand", mock.Anything, mock.Anything)
}

func TestRunEvents(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	ch := make(chan protocol.Event, 2)
	ch <- protocol.Event{IfType: protocol.IfHostap, Name: "wlan0", Opcode: "AP-STA-CONNECTED", Msg: []byte("AP-STA-CONNECTED 00:11:22:33:44:55")}
	ch <- protocol.Event{IfType: protocol.IfDriver, Name: "ALL", Opcode: "VENDOR-16", Msg: []byte{0xab}}
	close(ch)

	c.On("Register", mock.Anything, protocol.IfHostap, "wlan0", []string{"AP-STA-CONNECTED"}).Return(nil)
	c.On("Events").Return((<-chan protocol.Event)(ch))

	var out bytes.Buffer
	err := RunEvents(context.Background(), c, &out, protocol.IfHostap, "wlan0", []string{"AP-STA-CONNECTED"})
	assert.ErrorIs(t, err, ctlplane.ErrClientClosed)
	assert.Equal(t,
		"wlan0 AP-STA-CONNECTED AP-STA-CONNECTED 00:11:22:33:44:55\nALL VENDOR-16 ab\n",
		out.String())
	c.AssertExpectations(t)
}

func TestRunEvents_StopsOnContext(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Register", mock.Anything, protocol.IfHostap, "wlan0", []string(nil)).Return(nil)
	c.On("Events").Return((<-chan protocol.Event)(make(chan protocol.Event)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, RunEvents(ctx, c, &bytes.Buffer{}, protocol.IfHostap, "wlan0", nil))
}

func TestRunEvents_RegisterFails(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Register", mock.Anything, protocol.IfHostap, "wlan0", []string{"X"}).
		Return(&protocol.StatusError{Status: protocol.StatusFraming})

	err := RunEvents(context.Background(), c, &bytes.Buffer{}, protocol.IfHostap, "wlan0", []string{"X"})
	assert.Error(t, err)
	c.AssertNotCalled(t, "Events")
}

func TestRunStatus(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Status", mock.Anything).Return("wlan0=connected kind=hostap index=0 subscribers=1\n", nil).Once()
	c.On("Status", mock.Anything).Return("", nil).Once()

	var out bytes.Buffer
	require.NoError(t, RunStatus(context.Background(), c, &out))
	assert.Equal(t, "wlan0=connected kind=hostap index=0 subscribers=1\n", out.String())

	out.Reset()
	require.NoError(t, RunStatus(context.Background(), c, &out))
	assert.Equal(t, "No interfaces\n", out.String())
}

func TestRunAttachDetach(t *testing.T) {
	c := new(ctlplane.MockControlPlaneClient)
	c.On("Attach", mock.Anything, protocol.IfHostap, "wlan1").Return(nil)
	c.On("Detach", mock.Anything, protocol.IfDriver, "ALL").Return(errors.New("boom"))

	var out bytes.Buffer
	require.NoError(t, RunAttach(context.Background(), c, &out, ParseIfType(false), "wlan1"))
	assert.Equal(t, "wlan1 attached\n", out.String())

	err := RunDetach(context.Background(), c, &out, ParseIfType(true), "ALL")
	assert.ErrorContains(t, err, "boom")
	c.AssertExpectations(t)
}
