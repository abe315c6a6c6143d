package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Marshal renders c as HCL. Loading the result yields c again.
func Marshal(c *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("socket_path", cty.StringVal(c.SocketPath))
	body.SetAttributeValue("socket_mode", cty.StringVal(c.SocketMode))
	body.SetAttributeValue("log_level", cty.StringVal(c.LogLevel))
	if c.LogJSON {
		body.SetAttributeValue("log_json", cty.True)
	}

	if s := c.Syslog; s != nil {
		b := appendBlock(body, "syslog")
		b.SetAttributeValue("enabled", cty.BoolVal(s.Enabled))
		setString(b, "network", s.Network)
		setString(b, "address", s.Address)
		setString(b, "tag", s.Tag)
	}
	if h := c.Hostapd; h != nil {
		b := appendBlock(body, "hostapd")
		setString(b, "ctrl_dir", h.CtrlDir)
		setString(b, "local_dir", h.LocalDir)
		setString(b, "command_timeout", h.CommandTimeout)
	}
	if m := c.Monitor; m != nil {
		b := appendBlock(body, "monitor")
		setString(b, "ping_interval", m.PingInterval)
		setString(b, "recovery_interval", m.RecoveryInterval)
		setString(b, "poll_timeout", m.PollTimeout)
	}
	if d := c.Driver; d != nil {
		b := appendBlock(body, "driver")
		b.SetAttributeValue("enabled", cty.BoolVal(d.Enabled))
		b.SetAttributeValue("attach_on_start", cty.BoolVal(d.AttachOnStart))
		if d.VendorOUI != 0 {
			b.SetAttributeValue("vendor_oui", cty.NumberIntVal(int64(d.VendorOUI)))
		}
		if len(d.Groups) > 0 {
			vals := make([]cty.Value, len(d.Groups))
			for i, g := range d.Groups {
				vals[i] = cty.StringVal(g)
			}
			b.SetAttributeValue("groups", cty.ListVal(vals))
		}
		setString(b, "reply_timeout", d.ReplyTimeout)
	}
	if br := c.Bridge; br != nil {
		b := appendBlock(body, "bridge")
		b.SetAttributeValue("enabled", cty.BoolVal(br.Enabled))
		setString(b, "default_bridge", br.DefaultBridge)
	}
	if m := c.Metrics; m != nil {
		b := appendBlock(body, "metrics")
		setString(b, "listen", m.Listen)
		b.SetAttributeValue("event_stream", cty.BoolVal(m.EventStream))
	}

	for _, i := range c.Interfaces {
		body.AppendNewline()
		b := body.AppendNewBlock("interface", []string{i.Name}).Body()
		b.SetAttributeValue("attach_on_start", cty.BoolVal(i.AttachOnStart))
		setString(b, "bridge", i.Bridge)
		if i.MTU != 0 {
			b.SetAttributeValue("mtu", cty.NumberIntVal(int64(i.MTU)))
		}
	}
	return f.Bytes()
}

func appendBlock(body *hclwrite.Body, name string) *hclwrite.Body {
	body.AppendNewline()
	return body.AppendNewBlock(name, nil).Body()
}

func setString(b *hclwrite.Body, name, v string) {
	if v != "" {
		b.SetAttributeValue(name, cty.StringVal(v))
	}
}
