package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"elm327-client/common"
	"elm327-client/obd"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(24)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))
)

const timeLayout = "15:04:05.000"

// formatEvent возвращает одну строку для вывода события в терминал
func formatEvent(ev obd.Event) string {
	stamp := labelStyle.Width(14).Render(ev.Time.Format(timeLayout))

	switch ev.Type {
	case obd.EventData:
		return stamp + formatReading(ev.PID, ev.Snapshot)
	case obd.EventError:
		target := ev.PID
		if target == "" {
			target = string(ev.Kind)
		}
		return stamp + errorStyle.Render(fmt.Sprintf("error %s: %s", target, ev.Message))
	case obd.EventState:
		line := fmt.Sprintf("state %s", ev.State)
		if ev.Message != "" {
			line += " (" + ev.Message + ")"
		}
		return stamp + warningStyle.Render(line)
	default:
		return stamp + titleStyle.Render(string(ev.Type))
	}
}

// formatReading выводит обновлённую метрику и текущий расход
func formatReading(pid string, snap *common.TelemetrySnapshot) string {
	def, ok := obd.Lookup(pid)
	if !ok || snap == nil {
		return labelStyle.Render(obd.GetMetricName(pid)) + "--"
	}

	line := labelStyle.Render(def.Name)
	if value, ok := def.Value(snap); ok {
		line += valueStyle.Render(fmt.Sprintf("%.2f %s", value, def.Unit))
	} else {
		line += warningStyle.Render("--")
	}
	if fc := snap.FuelConsumption; fc != nil {
		line += "  " + labelStyle.Width(0).Render("fuel") + " " + valueStyle.Render(fmt.Sprintf("%.1f L/100km", *fc))
	}
	return line
}

// formatDTCs выводит список кодов неисправностей
func formatDTCs(codes []common.DtcCode) string {
	if len(codes) == 0 {
		return valueStyle.Render("No stored trouble codes")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%d stored trouble code(s)", len(codes))))
	for _, dtc := range codes {
		b.WriteString("\n")
		b.WriteString(errorStyle.Width(8).Render(dtc.Code))
		description := dtc.Description
		if description == "" {
			description = "no description"
		}
		b.WriteString(description)
	}
	return b.String()
}
