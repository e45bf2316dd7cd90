package obd

import "strings"

// Prompt завершает каждый ответ ELM327
const Prompt = '>'

// maxFrameSize ограничивает буфер, если адаптер шлёт мусор без приглашения
const maxFrameSize = 4096

// Framer накапливает входящие байты и выдаёт завершённые кадры
type Framer struct {
	buf []byte
	// discarding: кадр переполнился, байты до следующего '>' отбрасываются
	discarding bool
}

// Feed добавляет фрагмент и возвращает все кадры, завершённые символом '>'.
// Пустые кадры (одиночное приглашение) не возвращаются.
func (f *Framer) Feed(chunk []byte) []string {
	var frames []string
	for _, b := range chunk {
		switch b {
		case Prompt:
			if f.discarding {
				f.discarding = false
				f.buf = f.buf[:0]
				continue
			}
			if frame := normalizeFrame(f.buf); frame != "" {
				frames = append(frames, frame)
			}
			f.buf = f.buf[:0]
		case 0:
			// некоторые клоны вставляют NUL перед приглашением
		default:
			if f.discarding {
				continue
			}
			if len(f.buf) >= maxFrameSize {
				logger.Printf("Warning: frame exceeds %d bytes without prompt, discarding", maxFrameSize)
				f.buf = f.buf[:0]
				f.discarding = true
				continue
			}
			f.buf = append(f.buf, b)
		}
	}
	return frames
}

// Pending возвращает число байтов незавершённого кадра
func (f *Framer) Pending() int { return len(f.buf) }

// Reset отбрасывает незавершённый кадр
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

// normalizeFrame: строки разделяются '\n', пробелы схлопываются, пустые строки убираются
func normalizeFrame(raw []byte) string {
	lines := strings.FieldsFunc(string(raw), func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
