package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/castlink/cast-agent/internal/codec"
	"github.com/castlink/cast-agent/internal/config"
	"github.com/castlink/cast-agent/internal/probe"
)

var probeFormat string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report displays, codecs and host resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			cfg = config.Default()
		}
		if cfg.Codec.FFmpegPath != "" {
			codec.SetFFmpegBinary(cfg.Codec.FFmpegPath)
		}

		dataDir := ""
		if cfg.Record.Enabled {
			dataDir = cfg.Record.Dir
		}
		report := probe.Run(cmd.Context(), dataDir)

		out := cmd.OutOrStdout()
		switch probeFormat {
		case "text", "":
			return report.WriteText(out)
		case "yaml":
			b, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		default:
			return fmt.Errorf("unknown format %q (use text, yaml or json)", probeFormat)
		}
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeFormat, "output", "o", "text", "output format: text, yaml or json")
}
