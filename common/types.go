package common

import "time"

// TelemetrySnapshot хранит последнее декодированное значение каждого отслеживаемого параметра.
// nil означает, что значение неизвестно (ещё не читалось или не удалось декодировать).
type TelemetrySnapshot struct {
	EngineRPM            *float64 `json:"engine_rpm,omitempty"`             // об/мин
	VehicleSpeed         *float64 `json:"vehicle_speed,omitempty"`          // км/ч
	ThrottlePosition     *float64 `json:"throttle_position,omitempty"`      // %
	EngineLoad           *float64 `json:"engine_load,omitempty"`            // %
	CoolantTemperature   *float64 `json:"coolant_temperature,omitempty"`    // °C
	IntakeAirTemperature *float64 `json:"intake_air_temperature,omitempty"` // °C
	OilTemperature       *float64 `json:"oil_temperature,omitempty"`        // °C
	AmbientTemperature   *float64 `json:"ambient_temperature,omitempty"`    // °C
	MassAirFlow          *float64 `json:"mass_air_flow,omitempty"`          // г/с
	FuelRate             *float64 `json:"fuel_rate,omitempty"`              // л/ч
	FuelLevel            *float64 `json:"fuel_level,omitempty"`             // %
	FuelPressure         *float64 `json:"fuel_pressure,omitempty"`          // кПа
	ShortTermFuelTrim1   *float64 `json:"short_term_fuel_trim_1,omitempty"` // %
	LongTermFuelTrim1    *float64 `json:"long_term_fuel_trim_1,omitempty"`  // %
	IntakePressure       *float64 `json:"intake_manifold_pressure,omitempty"`
	BarometricPressure   *float64 `json:"barometric_pressure,omitempty"` // кПа
	TimingAdvance        *float64 `json:"timing_advance,omitempty"`      // градусы до ВМТ
	ModuleVoltage        *float64 `json:"control_module_voltage,omitempty"`
	RunTime              *float64 `json:"run_time,omitempty"`          // с
	DistanceWithMIL      *float64 `json:"distance_with_mil,omitempty"` // км

	// Производное значение: мгновенный расход, л/100 км
	FuelConsumption *float64 `json:"fuel_consumption,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// Telemetry представляет одно декодированное значение PID
type Telemetry struct {
	PID       string  `json:"pid" cbor:"pid"`             // PID код (например, "0C")
	Metric    string  `json:"metric" cbor:"metric"`       // Название метрики (например, "engine_rpm")
	Value     float64 `json:"value" cbor:"value"`         // Декодированное значение
	Unit      string  `json:"unit" cbor:"unit"`           // Единица измерения (например, "rpm")
	Timestamp int64   `json:"timestamp" cbor:"timestamp"` // Unix timestamp
	Raw       string  `json:"raw" cbor:"raw"`             // Сырые данные для отладки
}

// DtcCode представляет декодированный код неисправности
type DtcCode struct {
	Code        string  `json:"code"`                  // например, "P0143"
	Raw         [2]byte `json:"raw"`                   // исходные два байта
	Description string  `json:"description,omitempty"` // описание, если известно
}

// CommandMessage представляет входящую команду
type CommandMessage struct {
	Command       string `json:"command" cbor:"command"`               // AT/OBD команда или встроенная операция
	CorrelationID string `json:"correlation_id" cbor:"correlation_id"` // ID для сопоставления запроса и ответа
	Description   string `json:"description" cbor:"description"`       // Описание команды
	VIN           string `json:"vin" cbor:"vin"`                       // VIN автомобиля
}

// CommandResponse представляет ответ на команду
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id" cbor:"correlation_id"`
	Status        string      `json:"status" cbor:"status"`                   // "success", "error"
	Result        interface{} `json:"result" cbor:"result"`                   // Результат выполнения команды
	Error         string      `json:"error,omitempty" cbor:"error,omitempty"` // Описание ошибки если статус "error"
	Timestamp     time.Time   `json:"timestamp" cbor:"timestamp"`
}
