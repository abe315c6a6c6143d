package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/apmux/internal/brand"
	"grimm.is/apmux/internal/config"
	"grimm.is/apmux/internal/events"
	"grimm.is/apmux/internal/logging"
	"grimm.is/apmux/internal/network"
)

// RunCheck validates a configuration file without starting the daemon.
// With verbose set it prints the interface table and the bridge and MTU
// operations the daemon would perform once every VAP is enabled.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.GetConfigPath())
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "Socket: %s (mode %s)\n", cfg.SocketPath, cfg.SocketMode)
	Printer.Fprintf(w, "Interfaces: %d\n", len(cfg.Interfaces))
	Printer.Fprintf(w, "Driver: %v\n", cfg.Driver.Enabled)
	Printer.Fprintf(w, "Bridge hook: %v\n", cfg.Bridge.Enabled)

	if !verbose {
		return nil
	}

	Printer.Fprintln(w)
	printSummary(w, cfg)

	Printer.Fprintln(w, "\n[DRY RUN] Generated Operations:")
	for _, op := range simulateBridge(cfg) {
		Printer.Fprintln(w, op)
	}
	return nil
}

// RunDefaultConfig prints the built-in configuration as HCL.
func RunDefaultConfig(w io.Writer) error {
	_, err := w.Write(config.Marshal(config.Default()))
	return err
}

func printSummary(w io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "INTERFACE\tATTACH\tBRIDGE\tMTU")
	for _, i := range cfg.Interfaces {
		bridge, mtu, _ := cfg.BridgeFor(i.Name)
		if bridge == "" {
			bridge = "-"
		}
		mtuText := "-"
		if mtu != 0 {
			mtuText = fmt.Sprint(mtu)
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\n", i.Name, i.AttachOnStart, bridge, mtuText)
	}
}

// simulateBridge replays AP-ENABLED for every configured VAP against a
// dry-run netlinker and returns the recorded operations.
func simulateBridge(cfg *config.Config) []string {
	if !cfg.Bridge.Enabled {
		return nil
	}
	nl := network.NewDryRunNetlinker()
	hook := network.NewBridgeHook(nl, func(vap string) (network.LinkConfig, bool) {
		bridge, mtu, ok := cfg.BridgeFor(vap)
		return network.LinkConfig{Bridge: bridge, MTU: mtu}, ok
	}, logging.Default())

	for _, i := range cfg.Interfaces {
		if !network.IsVAP(i.Name) {
			continue
		}
		if err := hook.HandleEvent(i.Name, events.OpAPEnabled, events.OpAPEnabled+" "+i.Name); err != nil {
			logging.Warn("Dry run failed", "interface", i.Name, "error", err)
		}
	}
	return nl.Operations()
}
