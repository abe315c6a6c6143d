package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/apmux/cmd"
	"grimm.is/apmux/internal/brand"
	"grimm.is/apmux/internal/ctlplane"
	"grimm.is/apmux/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.GetConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
		dryRun := startFlags.Bool("dry-run", false, "Log bridge and MTU changes without applying them")
		startFlags.BoolVar(dryRun, "n", false, "Dry run (short)")
		startFlags.Parse(os.Args[2:])
		if startFlags.NArg() > 0 {
			*configFile = startFlags.Arg(0)
		}

		if err := cmd.RunStart(*configFile, *dryRun); err != nil {
			printer.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Show interface summary and dry-run operations")
		checkFlags.BoolVar(verbose, "v", false, "Verbose (short)")
		printDefault := checkFlags.Bool("default", false, "Print the built-in configuration")
		checkFlags.Parse(os.Args[2:])

		if *printDefault {
			if err := cmd.RunDefaultConfig(os.Stdout); err != nil {
				os.Exit(1)
			}
			return
		}
		configFile := brand.GetConfigPath()
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "cmd":
		cmdFlags := flag.NewFlagSet("cmd", flag.ExitOnError)
		socket := socketFlag(cmdFlags)
		cmdFlags.Parse(os.Args[2:])
		args := cmdFlags.Args()
		if len(args) < 2 {
			printer.Fprintf(os.Stderr, "Usage: %s cmd <interface> <command...>\n", brand.BinaryName)
			os.Exit(1)
		}
		withClient(*socket, func(ctx context.Context, c ctlplane.ControlPlaneClient) error {
			return cmd.RunCommand(ctx, c, os.Stdout, args[0], args[1:])
		})

	case "vendor":
		vendorFlags := flag.NewFlagSet("vendor", flag.ExitOnError)
		socket := socketFlag(vendorFlags)
		get := vendorFlags.Bool("get", false, "Wait for and print the driver reply")
		vendorFlags.Parse(os.Args[2:])
		args := vendorFlags.Args()
		if len(args) < 2 {
			printer.Fprintf(os.Stderr, "Usage: %s vendor [-get] <interface|phyN> <subcmd> [hex-data]\n", brand.BinaryName)
			os.Exit(1)
		}
		data := ""
		if len(args) > 2 {
			data = args[2]
		}
		withClient(*socket, func(ctx context.Context, c ctlplane.ControlPlaneClient) error {
			return cmd.RunVendor(ctx, c, os.Stdout, args[0], args[1], data, *get)
		})

	case "events":
		eventsFlags := flag.NewFlagSet("events", flag.ExitOnError)
		socket := socketFlag(eventsFlags)
		driver := eventsFlags.Bool("driver", false, "Subscribe to driver events")
		eventsFlags.Parse(os.Args[2:])
		args := eventsFlags.Args()
		if len(args) < 1 {
			printer.Fprintf(os.Stderr, "Usage: %s events [-driver] <interface> [opcode...]\n", brand.BinaryName)
			os.Exit(1)
		}
		withClient(*socket, func(ctx context.Context, c ctlplane.ControlPlaneClient) error {
			return cmd.RunEvents(ctx, c, os.Stdout, cmd.ParseIfType(*driver), args[0], args[1:])
		})

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		socket := socketFlag(statusFlags)
		statusFlags.Parse(os.Args[2:])
		withClient(*socket, func(ctx context.Context, c ctlplane.ControlPlaneClient) error {
			return cmd.RunStatus(ctx, c, os.Stdout)
		})

	case "attach", "detach":
		name := os.Args[1]
		lifeFlags := flag.NewFlagSet(name, flag.ExitOnError)
		socket := socketFlag(lifeFlags)
		driver := lifeFlags.Bool("driver", false, "Target the driver entry")
		lifeFlags.Parse(os.Args[2:])
		iface := lifeFlags.Arg(0)
		if iface == "" && !*driver {
			printer.Fprintf(os.Stderr, "Usage: %s %s [-driver] <interface>\n", brand.BinaryName, name)
			os.Exit(1)
		}
		if *driver {
			iface = "ALL"
		}
		withClient(*socket, func(ctx context.Context, c ctlplane.ControlPlaneClient) error {
			if name == "attach" {
				return cmd.RunAttach(ctx, c, os.Stdout, cmd.ParseIfType(*driver), iface)
			}
			return cmd.RunDetach(ctx, c, os.Stdout, cmd.ParseIfType(*driver), iface)
		})

	case "version", "-v", "--version":
		cmd.RunVersion(os.Stdout)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func socketFlag(fs *flag.FlagSet) *string {
	s := fs.String("socket", brand.GetSocketPath(), "Daemon control socket")
	fs.StringVar(s, "s", brand.GetSocketPath(), "Daemon control socket (short)")
	return s
}

// withClient dials the daemon and runs fn until it returns or the user
// interrupts it.
func withClient(socket string, fn func(ctx context.Context, c ctlplane.ControlPlaneClient) error) {
	client, err := ctlplane.Dial(socket)
	if err != nil {
		printer.Fprintf(os.Stderr, "Failed to connect to control plane: %v\n", err)
		printer.Fprintf(os.Stderr, "Is the daemon running? Start with: %s start\n", brand.BinaryName)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fn(ctx, client); err != nil {
		printer.Fprintf(os.Stderr, "%v\n", err)
		client.Close()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Daemon Commands:
  start     Start the daemon in the foreground
            Options: --config (-c) <file>, --dry-run (-n)
  check     Validate a configuration file
            Options: --verbose (-v), --default

Client Commands:
  cmd       Send a hostapd command to an interface
  vendor    Send an nl80211 vendor command
            Options: -get
  events    Stream events of an interface
            Options: -driver
  status    List interfaces known to the daemon
  attach    Attach an interface
            Options: -driver
  detach    Detach an interface
            Options: -driver

  All client commands accept --socket (-s) <path>.

Other Commands:
  version   Show version information
  help      Show this help

Examples:
  %s start -c %s
  %s cmd wlan0 STATUS
  %s events wlan0 AP-STA-CONNECTED AP-STA-DISCONNECTED
`, brand.Name, brand.Description, brand.BinaryName,
		brand.BinaryName, brand.GetConfigPath(),
		brand.BinaryName, brand.BinaryName)
}
