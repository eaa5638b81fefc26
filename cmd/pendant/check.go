package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pendant/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printStartupSummary(cmd.OutOrStdout(), cfg)
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         pendant: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "STT slot a", cfg.Providers.A.Name, cfg.Providers.A.Model)
	printProvider(w, "STT slot b", cfg.Providers.B.Name, cfg.Providers.B.Model)
	printProvider(w, "STT slot c", cfg.Providers.C.Name, cfg.Providers.C.Model)
	printProvider(w, "VAD", cfg.VAD.Engine, string(cfg.VAD.Mode))
	printRow(w, "Storage", string(cfg.Storage.Driver))
	if cfg.Postprocess.NATSURL != "" {
		printRow(w, "Postprocess", "nats")
	} else {
		printRow(w, "Postprocess", "(local)")
	}
	if cfg.Auth.AllowAny {
		printRow(w, "Auth", "any uid")
	} else {
		printRow(w, "Auth", fmt.Sprintf("%d users", len(cfg.Auth.Users)))
	}
	if cfg.Server.MaxSessions > 0 {
		printRow(w, "Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
	} else {
		printRow(w, "Max sessions", "(unlimited)")
	}
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}
