package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"elm327-client/obd"
)

var (
	pidsFormat string
	pidsCheck  bool
)

// pidInfo - строка таблицы известных PID
type pidInfo struct {
	PID       string `json:"pid" yaml:"pid"`
	Metric    string `json:"metric" yaml:"metric"`
	Unit      string `json:"unit" yaml:"unit"`
	Bytes     int    `json:"bytes" yaml:"bytes"`
	Supported *bool  `json:"supported,omitempty" yaml:"supported,omitempty"`
}

var pidsCmd = &cobra.Command{
	Use:   "pids",
	Short: "List the mode 01 PIDs this client decodes",
	Long: `Lists every PID with its metric name, unit and payload length.
With --check the adapter is queried with 0100 and each PID is marked as
supported or not by the vehicle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch pidsFormat {
		case "text", "yaml", "json":
		default:
			return fmt.Errorf("unknown format %q (text, yaml, json)", pidsFormat)
		}

		if !pidsCheck {
			return renderPIDs(cmd.OutOrStdout(), pidTable(nil), pidsFormat)
		}
		return withSession(cmd, func(ctx context.Context, session *obd.Session) error {
			return renderPIDs(cmd.OutOrStdout(), pidTable(session.SupportedPIDs()), pidsFormat)
		})
	},
}

func init() {
	pidsCmd.Flags().StringVarP(&pidsFormat, "format", "f", "text", "Output format: text, yaml, json")
	pidsCmd.Flags().BoolVar(&pidsCheck, "check", false, "Ask the vehicle which PIDs it supports")
	rootCmd.AddCommand(pidsCmd)
}

// pidTable строит таблицу; supported == nil означает, что автомобиль не опрашивался
func pidTable(supported []string) []pidInfo {
	var set map[string]bool
	if supported != nil {
		set = make(map[string]bool, len(supported))
		for _, pid := range supported {
			set[pid] = true
		}
	}

	var rows []pidInfo
	for _, pid := range obd.GetSupportedPIDs() {
		def, _ := obd.Lookup(pid)
		row := pidInfo{PID: def.PID, Metric: def.Name, Unit: def.Unit, Bytes: def.Bytes}
		if set != nil {
			ok := set[pid]
			row.Supported = &ok
		}
		rows = append(rows, row)
	}
	return rows
}

func renderPIDs(w io.Writer, rows []pidInfo, format string) error {
	switch format {
	case "yaml":
		out, err := yaml.Marshal(rows)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "json":
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%-4s %-26s %-8s %s", "PID", "METRIC", "UNIT", "BYTES")))
	for _, row := range rows {
		line := fmt.Sprintf("%-4s %-26s %-8s %d", row.PID, row.Metric, row.Unit, row.Bytes)
		b.WriteString("\n")
		switch {
		case row.Supported == nil:
			b.WriteString(line)
		case *row.Supported:
			b.WriteString(valueStyle.Render(line + "  supported"))
		default:
			b.WriteString(labelStyle.Width(0).Render(line + "  unsupported"))
		}
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}
