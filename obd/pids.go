package obd

import (
	"fmt"
	"sort"
	"strings"

	"elm327-client/common"
)

// Formula - формула пересчёта байтов A, B в физическую величину
type Formula struct {
	Name  string
	Arity int // сколько байтов потребляет формула
	fn    func(a, b float64) float64
}

// Apply применяет формулу к полезной нагрузке ответа
func (f Formula) Apply(data []byte) (float64, error) {
	if len(data) != f.Arity {
		return 0, fmt.Errorf("%w: formula %s expects %d bytes, got %d", ErrPayloadLength, f.Name, f.Arity, len(data))
	}
	a := float64(data[0])
	var b float64
	if f.Arity > 1 {
		b = float64(data[1])
	}
	return f.fn(a, b), nil
}

var (
	FormulaDirect      = Formula{"A", 1, func(a, _ float64) float64 { return a }}
	FormulaTriple      = Formula{"3A", 1, func(a, _ float64) float64 { return a * 3 }}
	FormulaQuarter     = Formula{"(256A+B)/4", 2, func(a, b float64) float64 { return (a*256 + b) / 4 }}
	FormulaPercent     = Formula{"100A/255", 1, func(a, _ float64) float64 { return a * 100 / 255 }}
	FormulaTemperature = Formula{"A-40", 1, func(a, _ float64) float64 { return a - 40 }}
	FormulaHundredth   = Formula{"(256A+B)/100", 2, func(a, b float64) float64 { return (a*256 + b) / 100 }}
	FormulaTwentieth   = Formula{"(256A+B)/20", 2, func(a, b float64) float64 { return (a*256 + b) / 20 }}
	FormulaMilli       = Formula{"(256A+B)/1000", 2, func(a, b float64) float64 { return (a*256 + b) / 1000 }}
	FormulaFuelTrim    = Formula{"(A-128)*100/128", 1, func(a, _ float64) float64 { return (a - 128) * 100 / 128 }}
	FormulaTiming      = Formula{"A/2-64", 1, func(a, _ float64) float64 { return a/2 - 64 }}
	FormulaWord        = Formula{"256A+B", 2, func(a, b float64) float64 { return a*256 + b }}
)

// PidDefinition - неизменяемая запись таблицы PID режима 01
type PidDefinition struct {
	PID     string // "0C"
	Name    string // "engine_rpm"
	Unit    string
	Bytes   int
	Formula Formula

	field func(*common.TelemetrySnapshot) **float64
}

// Command возвращает строку запроса, например "010C"
func (d PidDefinition) Command() string { return "01" + d.PID }

// Decode пересчитывает полезную нагрузку в значение
func (d PidDefinition) Decode(data []byte) (float64, error) {
	if len(data) != d.Bytes {
		return 0, &DecodeError{PID: d.PID, Err: ErrPayloadLength, Detail: fmt.Sprintf("expected %d bytes, got %d", d.Bytes, len(data))}
	}
	v, err := d.Formula.Apply(data)
	if err != nil {
		return 0, &DecodeError{PID: d.PID, Err: err}
	}
	return v, nil
}

// Value читает значение PID из снимка; false, если оно неизвестно
func (d PidDefinition) Value(s *common.TelemetrySnapshot) (float64, bool) {
	if v := *d.field(s); v != nil {
		return *v, true
	}
	return 0, false
}

// Parse извлекает полезную нагрузку из кадра ответа и декодирует её
func (d PidDefinition) Parse(frame string) (float64, error) {
	data, err := extractPayload(frame, 0x01, d.PID, d.Bytes)
	if err != nil {
		return 0, err
	}
	return d.Decode(data)
}

// pidTable содержит поддерживаемые PID режима 01
var pidTable = map[string]PidDefinition{
	// Двигатель и производительность
	"04": {"04", "engine_load", "%", 1, FormulaPercent, func(s *common.TelemetrySnapshot) **float64 { return &s.EngineLoad }},
	"05": {"05", "coolant_temperature", "°C", 1, FormulaTemperature, func(s *common.TelemetrySnapshot) **float64 { return &s.CoolantTemperature }},
	"0C": {"0C", "engine_rpm", "rpm", 2, FormulaQuarter, func(s *common.TelemetrySnapshot) **float64 { return &s.EngineRPM }},
	"0D": {"0D", "vehicle_speed", "km/h", 1, FormulaDirect, func(s *common.TelemetrySnapshot) **float64 { return &s.VehicleSpeed }},
	"0E": {"0E", "timing_advance", "°", 1, FormulaTiming, func(s *common.TelemetrySnapshot) **float64 { return &s.TimingAdvance }},
	"0F": {"0F", "intake_air_temperature", "°C", 1, FormulaTemperature, func(s *common.TelemetrySnapshot) **float64 { return &s.IntakeAirTemperature }},
	"10": {"10", "mass_air_flow", "g/s", 2, FormulaHundredth, func(s *common.TelemetrySnapshot) **float64 { return &s.MassAirFlow }},
	"11": {"11", "throttle_position", "%", 1, FormulaPercent, func(s *common.TelemetrySnapshot) **float64 { return &s.ThrottlePosition }},
	"1F": {"1F", "run_time", "s", 2, FormulaWord, func(s *common.TelemetrySnapshot) **float64 { return &s.RunTime }},

	// Топливо и эффективность
	"06": {"06", "short_term_fuel_trim_1", "%", 1, FormulaFuelTrim, func(s *common.TelemetrySnapshot) **float64 { return &s.ShortTermFuelTrim1 }},
	"07": {"07", "long_term_fuel_trim_1", "%", 1, FormulaFuelTrim, func(s *common.TelemetrySnapshot) **float64 { return &s.LongTermFuelTrim1 }},
	"0A": {"0A", "fuel_pressure", "kPa", 1, FormulaTriple, func(s *common.TelemetrySnapshot) **float64 { return &s.FuelPressure }},
	"2F": {"2F", "fuel_level", "%", 1, FormulaPercent, func(s *common.TelemetrySnapshot) **float64 { return &s.FuelLevel }},
	"5E": {"5E", "fuel_rate", "L/h", 2, FormulaTwentieth, func(s *common.TelemetrySnapshot) **float64 { return &s.FuelRate }},

	// Давление и температура
	"0B": {"0B", "intake_manifold_pressure", "kPa", 1, FormulaDirect, func(s *common.TelemetrySnapshot) **float64 { return &s.IntakePressure }},
	"33": {"33", "barometric_pressure", "kPa", 1, FormulaDirect, func(s *common.TelemetrySnapshot) **float64 { return &s.BarometricPressure }},
	"46": {"46", "ambient_temperature", "°C", 1, FormulaTemperature, func(s *common.TelemetrySnapshot) **float64 { return &s.AmbientTemperature }},
	"5C": {"5C", "oil_temperature", "°C", 1, FormulaTemperature, func(s *common.TelemetrySnapshot) **float64 { return &s.OilTemperature }},

	// Электрика и диагностика
	"42": {"42", "control_module_voltage", "V", 2, FormulaMilli, func(s *common.TelemetrySnapshot) **float64 { return &s.ModuleVoltage }},
	"21": {"21", "distance_with_mil", "km", 2, FormulaWord, func(s *common.TelemetrySnapshot) **float64 { return &s.DistanceWithMIL }},
}

// normalizePID принимает "0c", "0C" или "010C" и возвращает "0C"
func normalizePID(pid string) string {
	pid = strings.ToUpper(strings.TrimSpace(pid))
	if len(pid) == 4 && strings.HasPrefix(pid, "01") {
		pid = pid[2:]
	}
	return pid
}

// Lookup возвращает определение PID
func Lookup(pid string) (PidDefinition, bool) {
	def, ok := pidTable[normalizePID(pid)]
	return def, ok
}

// Decode декодирует полезную нагрузку PID; неизвестный PID - ErrUnknownPID, а не 0
func Decode(pid string, data []byte) (float64, error) {
	def, ok := Lookup(pid)
	if !ok {
		return 0, &DecodeError{PID: normalizePID(pid), Err: ErrUnknownPID}
	}
	return def.Decode(data)
}

// GetSupportedPIDs возвращает отсортированный список поддерживаемых PID
func GetSupportedPIDs() []string {
	pids := make([]string, 0, len(pidTable))
	for pid := range pidTable {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}

// GetMetricName возвращает название метрики для PID
func GetMetricName(pid string) string {
	if def, ok := Lookup(pid); ok {
		return def.Name
	}
	return "unknown_" + normalizePID(pid)
}

// GetMetricUnit возвращает единицу измерения
func GetMetricUnit(pid string) string {
	if def, ok := Lookup(pid); ok {
		return def.Unit
	}
	return "unknown"
}
