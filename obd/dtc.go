package obd

import (
	"errors"
	"fmt"
	"strings"

	"elm327-client/common"
)

// dtcSystems - буква системы по двум старшим битам первого байта
const dtcSystems = "PCBU"

// DecodeDTC превращает два байта ответа режима 03 в код вида P0143.
// Пара 00 00 означает отсутствие кода.
func DecodeDTC(a, b byte) (common.DtcCode, bool) {
	if a == 0 && b == 0 {
		return common.DtcCode{}, false
	}
	code := fmt.Sprintf("%c%d%X%02X", dtcSystems[a>>6], (a>>4)&0x03, a&0x0F, b)
	return common.DtcCode{
		Code:        code,
		Raw:         [2]byte{a, b},
		Description: DescribeDTC(code),
	}, true
}

// ParseDTCResponse разбирает ответ на команду 03.
// На протоколах CAN после маркера 43 идёт байт количества кодов.
func ParseDTCResponse(frame string, can bool) ([]common.DtcCode, error) {
	lines, statusErr := frameLines(frame)
	if statusErr != nil && len(lines) == 0 {
		if errors.Is(statusErr, ErrNoData) {
			// NO DATA на 03 - кодов нет
			return []common.DtcCode{}, nil
		}
		return nil, &DecodeError{PID: "03", Err: statusErr}
	}

	codes := []common.DtcCode{}
	found := false
	for _, data := range lines {
		i := serviceOffset(data, 0x43)
		if i < 0 {
			continue
		}
		found = true
		payload := data[i+1:]

		limit := len(payload) / 2
		if can && len(payload) > 0 {
			if count := int(payload[0]); count < limit {
				limit = count
			}
			payload = payload[1:]
			if len(payload)/2 < limit {
				limit = len(payload) / 2
			}
		}

		for j := 0; j < limit; j++ {
			if dtc, ok := DecodeDTC(payload[2*j], payload[2*j+1]); ok {
				codes = append(codes, dtc)
			}
		}
	}

	if !found {
		return nil, &DecodeError{PID: "03", Err: ErrUnexpectedResponse, Detail: fmt.Sprintf("response %q", frame)}
	}
	return codes, nil
}

// ParseClearResponse проверяет подтверждение команды 04
func ParseClearResponse(frame string) error {
	lines, statusErr := frameLines(frame)
	for _, data := range lines {
		if serviceOffset(data, 0x44) >= 0 {
			return nil
		}
	}
	if statusErr != nil {
		return &DecodeError{PID: "04", Err: statusErr}
	}
	return &DecodeError{PID: "04", Err: ErrUnexpectedResponse, Detail: fmt.Sprintf("response %q", frame)}
}

// serviceOffset ищет байт ответа сервиса только там, где он стоит в кадре:
// в начале строки, после байта длины CAN (PCI), после заголовка J1850/ISO
// (3 байта, второй 6B или F1) или после 29-битного заголовка CAN и PCI.
// Байт в середине чужого ответа (например "41 0C 43 10") не считается.
func serviceOffset(data []byte, service byte) int {
	switch {
	case len(data) > 0 && data[0] == service:
		return 0
	case len(data) > 1 && data[1] == service && isPCI(data[0], len(data)-1):
		return 1
	case len(data) > 3 && data[3] == service && (data[1] == 0x6B || data[1] == 0xF1):
		return 3
	case len(data) > 5 && data[5] == service && data[0] == 0x18 && data[1] == 0xDA && isPCI(data[4], len(data)-5):
		return 5
	}
	return -1
}

// isPCI: одиночный кадр CAN, длина 1..7 и не больше оставшихся байтов
func isPCI(b byte, rest int) bool {
	return b >= 1 && b <= 7 && int(b) <= rest
}

// dtcDescriptions - описания распространённых кодов
var dtcDescriptions = map[string]string{
	"P0100": "Mass or Volume Air Flow Circuit Malfunction",
	"P0101": "Mass Air Flow Circuit Range/Performance",
	"P0102": "Mass Air Flow Circuit Low Input",
	"P0103": "Mass Air Flow Circuit High Input",
	"P0113": "Intake Air Temperature Circuit High Input",
	"P0117": "Engine Coolant Temperature Circuit Low Input",
	"P0118": "Engine Coolant Temperature Circuit High Input",
	"P0128": "Coolant Thermostat Below Regulating Temperature",
	"P0133": "O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)",
	"P0143": "O2 Sensor Circuit Low Voltage (Bank 1 Sensor 3)",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0420": "Catalyst System Efficiency Below Threshold (Bank 1)",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0442": "Evaporative Emission Control System Leak Detected (Small)",
	"P0455": "Evaporative Emission Control System Leak Detected (Large)",
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0562": "System Voltage Low",
	"P0700": "Transmission Control System Malfunction",
}

// DescribeDTC возвращает описание кода или пустую строку
func DescribeDTC(code string) string {
	return dtcDescriptions[strings.ToUpper(code)]
}

// protocolNames - номера протоколов ATDPN
var protocolNames = map[string]string{
	"0": "Automatic",
	"1": "SAE J1850 PWM (41.6 kbaud)",
	"2": "SAE J1850 VPW (10.4 kbaud)",
	"3": "ISO 9141-2 (5 baud init)",
	"4": "ISO 14230-4 KWP (5 baud init)",
	"5": "ISO 14230-4 KWP (fast init)",
	"6": "ISO 15765-4 CAN (11 bit ID, 500 kbaud)",
	"7": "ISO 15765-4 CAN (29 bit ID, 500 kbaud)",
	"8": "ISO 15765-4 CAN (11 bit ID, 250 kbaud)",
	"9": "ISO 15765-4 CAN (29 bit ID, 250 kbaud)",
	"A": "SAE J1939 CAN (29 bit ID, 250 kbaud)",
	"B": "User1 CAN (11 bit ID, 125 kbaud)",
	"C": "User2 CAN (11 bit ID, 50 kbaud)",
}

// protocolNumber извлекает номер протокола из ответа ATDPN ("A6" - автоопределён, 6)
func protocolNumber(dpn string) (string, bool) {
	dpn = strings.ToUpper(strings.TrimSpace(dpn))
	if len(dpn) == 2 && dpn[0] == 'A' {
		return dpn[1:], true
	}
	return dpn, false
}

// ProtocolName возвращает название протокола по ответу ATDPN
func ProtocolName(dpn string) string {
	num, auto := protocolNumber(dpn)
	name, ok := protocolNames[num]
	if !ok {
		return "Unknown (" + dpn + ")"
	}
	if auto {
		return name + " [auto]"
	}
	return name
}

// IsCANProtocol сообщает, использует ли протокол CAN (ISO 15765-4 и пользовательские CAN)
func IsCANProtocol(dpn string) bool {
	num, _ := protocolNumber(dpn)
	switch num {
	case "6", "7", "8", "9", "A", "B", "C":
		return true
	}
	return false
}
