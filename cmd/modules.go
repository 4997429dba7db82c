package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matthewgaim/homebot/internal/modules"
)

var showSchemas bool

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the built-in modules and their settings schemas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := modules.NewRegistry()
		registerModules(registry)
		return writeModules(cmd.OutOrStdout(), registry.Modules(), showSchemas)
	},
}

func writeModules(w io.Writer, mods []*modules.Module, schemas bool) error {
	for i, m := range mods {
		if i > 0 {
			fmt.Fprintln(w)
		}
		flags := "off by default"
		switch {
		case m.Locked:
			flags = "always on"
		case m.DefaultEnabled:
			flags = "on by default"
		}
		fmt.Fprintf(w, "%s  %s (%s)\n", color.CyanString(m.Name), m.Description, flags)

		for _, c := range m.Commands {
			admin := ""
			if c.AdminOnly {
				admin = " [admin]"
			}
			fmt.Fprintf(w, "  /%s%s  %s\n", c.Definition.Name, admin, c.Definition.Description)
		}

		if !schemas || m.Schema == nil || len(m.Schema.Fields) == 0 {
			continue
		}
		out, err := yaml.Marshal(m.Schema)
		if err != nil {
			return fmt.Errorf("marshal %s schema: %w", m.Name, err)
		}
		fmt.Fprintln(w, "  settings:")
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

func init() {
	modulesCmd.Flags().BoolVar(&showSchemas, "schemas", true, "include each module's settings schema")
	rootCmd.AddCommand(modulesCmd)
}
