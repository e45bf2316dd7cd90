package obd

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"elm327-client/common"
)

var logger = log.New(os.Stdout, "[OBD-Parser] ", log.LstdFlags|log.Lshortfile)

// SetLogOutput перенаправляет все логгеры пакета
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
	channelLogger.SetOutput(w)
	pollerLogger.SetOutput(w)
	sessionLogger.SetOutput(w)
}

// adapterStatus сопоставляет служебные строки ELM327 с ошибками
var adapterStatus = []struct {
	text string
	err  error
}{
	{"NO DATA", ErrNoData},
	{"UNABLE TO CONNECT", ErrAdapter},
	{"CAN ERROR", ErrAdapter},
	{"BUS ERROR", ErrAdapter},
	{"BUS BUSY", ErrAdapter},
	{"FB ERROR", ErrAdapter},
	{"DATA ERROR", ErrAdapter},
	{"BUFFER FULL", ErrAdapter},
	{"STOPPED", ErrAdapter},
	{"?", ErrAdapter},
}

// statusError возвращает ошибку, если строка - служебное сообщение адаптера
func statusError(line string) error {
	upper := strings.ToUpper(line)
	for _, s := range adapterStatus {
		if upper == s.text || (len(s.text) > 1 && strings.HasPrefix(upper, s.text)) {
			return fmt.Errorf("%w: %s", s.err, line)
		}
	}
	// "BUS INIT: ...ERROR" и подобные
	if strings.HasSuffix(upper, "ERROR") {
		return fmt.Errorf("%w: %s", ErrAdapter, line)
	}
	return nil
}

// frameLines превращает кадр в набор байтовых строк.
// Заголовки CAN 11-bit (3 символа) отрезаются, строки с числом байтов пропускаются,
// пронумерованные строки многокадрового ответа ("0:", "1:") склеиваются.
func frameLines(frame string) ([][]byte, error) {
	var (
		lines     [][]byte
		statusErr error
		multi     []byte
		inMulti   bool
	)

	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(strings.ToUpper(line), "SEARCHING..."); ok {
			line = strings.TrimSpace(rest)
		}
		if line == "" {
			continue
		}
		if err := statusError(line); err != nil {
			if statusErr == nil {
				statusErr = err
			}
			continue
		}

		indexed := false
		if i := strings.IndexByte(line, ':'); i > 0 && i <= 2 {
			if _, err := strconv.ParseUint(line[:i], 16, 8); err == nil {
				line = line[i+1:]
				indexed = true
			}
		}

		compact := strings.ReplaceAll(line, " ", "")
		if !indexed {
			if len(compact) == 3 {
				// длина многокадрового ответа, например "014"
				if _, err := strconv.ParseUint(compact, 16, 16); err == nil {
					continue
				}
			}
			if len(compact)%2 == 1 && len(compact) > 3 {
				compact = compact[3:]
			}
		}

		data, err := hex.DecodeString(compact)
		if err != nil || len(data) == 0 {
			// эхо, "OK", версия адаптера и прочий текст
			continue
		}

		if indexed {
			multi = append(multi, data...)
			inMulti = true
			continue
		}
		lines = append(lines, data)
	}

	if inMulti {
		lines = append(lines, multi)
	}
	return lines, statusErr
}

// extractPayload ищет маркер [0x40+mode, pid] и возвращает n следующих за ним байтов
func extractPayload(frame string, mode byte, pid string, n int) ([]byte, error) {
	pidByte, err := strconv.ParseUint(pid, 16, 8)
	if err != nil {
		return nil, &DecodeError{PID: pid, Err: ErrUnknownPID}
	}

	lines, statusErr := frameLines(frame)
	short := false
	for _, data := range lines {
		for i := 0; i+1 < len(data); i++ {
			if data[i] != 0x40+mode || data[i+1] != byte(pidByte) {
				continue
			}
			payload := data[i+2:]
			if len(payload) < n {
				short = true
				continue
			}
			return payload[:n], nil
		}
	}

	switch {
	case short:
		return nil, &DecodeError{PID: pid, Err: ErrPayloadLength, Detail: fmt.Sprintf("response %q", frame)}
	case statusErr != nil:
		return nil, &DecodeError{PID: pid, Err: statusErr}
	default:
		return nil, &DecodeError{PID: pid, Err: ErrUnexpectedResponse, Detail: fmt.Sprintf("response %q", frame)}
	}
}

// PayloadFor извлекает байты данных PID из кадра ответа
func PayloadFor(frame string, def PidDefinition) ([]byte, error) {
	return extractPayload(frame, 0x01, def.PID, def.Bytes)
}

// ParseResponse разбирает ответ режима 01 с любым известным PID
func ParseResponse(response string) (*common.Telemetry, error) {
	lines, statusErr := frameLines(response)

	for _, data := range lines {
		for i := 0; i+1 < len(data); i++ {
			if data[i] != 0x41 {
				continue
			}
			pid := fmt.Sprintf("%02X", data[i+1])
			def, ok := pidTable[pid]
			if !ok || len(data[i+2:]) < def.Bytes {
				continue
			}

			value, err := def.Decode(data[i+2 : i+2+def.Bytes])
			if err != nil {
				return nil, err
			}

			telemetry := &common.Telemetry{
				PID:       pid,
				Metric:    def.Name,
				Value:     value,
				Unit:      def.Unit,
				Timestamp: time.Now().Unix(),
				Raw:       response,
			}
			logger.Printf("Parsed telemetry: %s = %.2f %s", def.Name, value, def.Unit)
			return telemetry, nil
		}
	}

	if statusErr != nil {
		return nil, statusErr
	}
	return nil, fmt.Errorf("%w: %q", ErrUnexpectedResponse, response)
}

// ParseSupportedPIDs декодирует битовую маску ответа на 0100.
// Старший бит первого байта соответствует PID 01, младший бит последнего - PID 20.
func ParseSupportedPIDs(frame string) ([]string, error) {
	mask, err := extractPayload(frame, 0x01, "00", 4)
	if err != nil {
		return nil, err
	}

	var pids []string
	for i, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				pids = append(pids, fmt.Sprintf("%02X", i*8+bit+1))
			}
		}
	}
	return pids, nil
}
