package cmd

import "grimm.is/apmux/internal/i18n"

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()
