package stats

import (
	"math"
	"sort"
)

// PairState — итоговое состояние пары относительно дневных агрегатов.
// Вычисляется одной чистой функцией, чтобы одно и то же условие не
// расползалось по вызывающим местам.
type PairState int

const (
	// StateIncluded — пара учитывается в агрегатах.
	StateIncluded PairState = iota
	// StateManuallyExcluded — пара убрана оператором.
	StateManuallyExcluded
	// StateThresholdExcluded — пара отсечена порогом длительности.
	StateThresholdExcluded
)

// DefaultThresholdHours — порог автоматического отсечения пар (7 суток).
const DefaultThresholdHours = 168.0

// Resolve вычисляет состояние пары. Ручное исключение имеет приоритет над
// белым списком; белый список снимает только пороговое отсечение.
func Resolve(excluded bool, rawHours float64, whitelisted bool, threshold float64) PairState {
	if excluded {
		return StateManuallyExcluded
	}
	if threshold > 0 && rawHours > threshold && !whitelisted {
		return StateThresholdExcluded
	}
	return StateIncluded
}

// Aggregates — сводка по набору длительностей.
type Aggregates struct {
	Avg    float64
	Median float64
	Min    float64
	Max    float64
}

// Summarize считает среднее, медиану, минимум и максимум. Пустой вход
// возвращает ok=false: вызывающий пишет null-агрегаты.
func Summarize(hours []float64) (Aggregates, bool) {
	if len(hours) == 0 {
		return Aggregates{}, false
	}
	sorted := append([]float64(nil), hours...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, h := range sorted {
		sum += h
	}
	return Aggregates{
		Avg:    round2(sum / float64(len(sorted))),
		Median: round2(median(sorted)),
		Min:    round2(sorted[0]),
		Max:    round2(sorted[len(sorted)-1]),
	}, true
}

// median предполагает отсортированный вход: середина при нечётном числе,
// среднее двух центральных при чётном.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
