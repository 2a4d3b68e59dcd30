package domain

import (
	"errors"
	"time"
)

// ErrUnknownTimeframe возвращается при разборе неизвестного таймфрейма.
var ErrUnknownTimeframe = errors.New("неизвестный таймфрейм")

// Timeframe — именованный период генерации отчёта.
// Не путать с Window: окна служат для подсчёта активности, таймфреймы — для выборки сообщений.
type Timeframe string

const (
	// Timeframe2h — отчёт за последние два часа.
	Timeframe2h Timeframe = "2h"
	// Timeframe6h — отчёт за последние шесть часов.
	Timeframe6h Timeframe = "6h"
	// Timeframe1d — отчёт за последние сутки.
	Timeframe1d Timeframe = "1d"
)

// Timeframes возвращает поддерживаемые таймфреймы в фиксированном порядке.
func Timeframes() []Timeframe {
	return []Timeframe{Timeframe2h, Timeframe6h, Timeframe1d}
}

// ParseTimeframe разбирает строку таймфрейма.
func ParseTimeframe(raw string) (Timeframe, error) {
	for _, tf := range Timeframes() {
		if string(tf) == raw {
			return tf, nil
		}
	}
	return "", ErrUnknownTimeframe
}

// Duration возвращает длительность таймфрейма.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe2h:
		return 2 * time.Hour
	case Timeframe6h:
		return 6 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// Window — фиксированное скользящее окно подсчёта активности канала.
type Window string

const (
	Window5Min  Window = "5min"
	Window15Min Window = "15min"
	Window1h    Window = "1h"
	Window6h    Window = "6h"
	Window1d    Window = "1d"
	Window7d    Window = "7d"
)

// Windows возвращает все окна от короткого к длинному.
func Windows() []Window {
	return []Window{Window5Min, Window15Min, Window1h, Window6h, Window1d, Window7d}
}

// Duration возвращает длительность окна.
func (w Window) Duration() time.Duration {
	switch w {
	case Window5Min:
		return 5 * time.Minute
	case Window15Min:
		return 15 * time.Minute
	case Window1h:
		return time.Hour
	case Window6h:
		return 6 * time.Hour
	case Window1d:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}
