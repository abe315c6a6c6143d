package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/apmux/internal/ifmgr"
	"grimm.is/apmux/internal/network"
)

type staticSource []ifmgr.InterfaceStatus

func (s staticSource) Status() []ifmgr.InterfaceStatus { return s }

func iface(name string, connected, reconnecting bool) ifmgr.InterfaceStatus {
	st := ifmgr.StateDisconnected
	if connected {
		st = ifmgr.StateConnected
	}
	return ifmgr.InterfaceStatus{Name: name, Kind: "hostap", State: st.String(), Reconnecting: reconnecting}
}

func TestChecker_AggregatesWorstStatus(t *testing.T) {
	c := NewChecker(0)
	c.Register("ok", func(context.Context) Check { return Check{Status: StatusHealthy} })
	c.Register("meh", func(context.Context) Check { return Check{Status: StatusDegraded} })

	report := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, "meh", report.Checks["meh"].Name)

	c.Register("bad", func(context.Context) Check { return Check{Status: StatusUnhealthy} })
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestChecker_CachesReport(t *testing.T) {
	calls := 0
	c := NewChecker(time.Hour)
	c.Register("count", func(context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})
	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, 1, calls)
}

func TestCheckInterfaces(t *testing.T) {
	tests := []struct {
		name string
		src  staticSource
		want Status
	}{
		{"none known", nil, StatusHealthy},
		{"all up", staticSource{iface("wlan0", true, false), iface("wlan1", true, false)}, StatusHealthy},
		{"one reconnecting", staticSource{iface("wlan0", true, false), iface("wlan1", true, true)}, StatusDegraded},
		{"all down", staticSource{iface("wlan0", false, false)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckInterfaces(tt.src)(context.Background())
			assert.Equal(t, tt.want, got.Status, got.Message)
		})
	}

	got := CheckInterfaces(staticSource{iface("wlan0", true, false), iface("wlan1", false, false)})(context.Background())
	assert.Equal(t, "1/2 connected, down: wlan1", got.Message)
}

func TestCheckSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apmux.sock")
	assert.Equal(t, StatusUnhealthy, CheckSocket(path)(context.Background()).Status)

	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if conn, err := l.Accept(); err == nil {
			conn.Close()
		}
	}()
	assert.Equal(t, StatusHealthy, CheckSocket(path)(context.Background()).Status)
}

func TestCheckHostapdDir(t *testing.T) {
	dir := t.TempDir()
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: filepath.Join(dir, "wlan0"), Net: "unixgram"})
	require.NoError(t, err)
	defer l.Close()

	got := CheckHostapdDir(dir)(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, "1 control sockets", got.Message)

	assert.Equal(t, StatusDegraded, CheckHostapdDir(filepath.Join(dir, "missing"))(context.Background()).Status)
}

func TestCheckLinks(t *testing.T) {
	nl := new(network.MockNetlinker)
	nl.On("LinkByName", "br-lan").Return(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br-lan"}}, nil)
	nl.On("LinkByName", "wlan0.1").Return(nil, errors.New("Link not found"))

	got := CheckLinks(nl, func() []string { return []string{"br-lan", "wlan0.1"} })(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "missing links: wlan0.1", got.Message)
	nl.AssertCalled(t, "LinkByName", mock.Anything)
}

func TestHandlers(t *testing.T) {
	c := NewChecker(0)
	c.Register("down", CheckInterfaces(staticSource{iface("wlan0", false, false)}))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, "NOT READY", rec.Body.String())

	rec = httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, "OK", rec.Body.String())
}
