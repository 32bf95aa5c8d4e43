package bot

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// - латентность обработки бара и маркировочной цены
// - решения контроллера и сделки
// - близость к ликвидации и срабатывания фильтров
// - переполнения буферов событий

// ============ Метрики латентности ============

// BarProcessingLatency - время обработки закрытого бара (индикаторы → решение)
var BarProcessingLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "bar_processing_latency_ms",
		Help:      "Time to process a closed bar in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 50},
	},
	[]string{"symbol"},
)

// MarkProcessingLatency - время обработки маркировочной цены
var MarkProcessingLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "mark_processing_latency_ms",
		Help:      "Time to process a mark price update in milliseconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
	},
	[]string{"symbol"},
)

// OrderExecutionLatency - время исполнения ордера на бирже
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "order_execution_latency_ms",
		Help:      "Time to execute order on exchange in milliseconds",
		Buckets:   []float64{1, 10, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "stage"}, // entry, exit
)

// ============ Счётчики событий ============

// EventsProcessed - количество обработанных событий по типам
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "events_processed_total",
		Help:      "Total number of processed events",
	},
	[]string{"type"}, // bar, mark, command, data_error
)

// Decisions - решения контроллера
var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "decisions_total",
		Help:      "Controller decisions by action and reason",
	},
	[]string{"symbol", "action", "reason"},
)

// TradesTotal - закрытые сделки
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Total number of closed trades",
	},
	[]string{"symbol", "reason", "result"}, // result: win, loss
)

// PnlTotal - суммарный реализованный PNL в USDT
var PnlTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "pnl_total_usdt",
		Help:      "Total realized PnL in USDT",
	},
)

// SignalStrength - распределение силы сигналов
var SignalStrength = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "signal_strength",
		Help:      "Strength of reconciled signals",
		Buckets:   []float64{0, 0.25, 0.5, 0.75, 1},
	},
	[]string{"symbol", "direction"},
)

// OrderFailures - неудачные операции исполнения
var OrderFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "order_failures_total",
		Help:      "Failed order operations after all retries",
	},
	[]string{"symbol", "op"},
)

// ============ Метрики состояния ============

// InstrumentState - состояние контроллера (1 для текущего)
var InstrumentState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "instrument_state",
		Help:      "Controller state per instrument (1 = current)",
	},
	[]string{"symbol", "state"},
)

// Equity - эквити счёта
var Equity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "exchange",
		Name:      "equity_usdt",
		Help:      "Account equity in USDT",
	},
)

// ============ Метрики риска ============

// LiquidationDistance - расстояние до ликвидации открытой позиции
var LiquidationDistance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "liquidation_distance_ratio",
		Help:      "Distance from mark price to liquidation price as a fraction of mark",
	},
	[]string{"symbol"},
)

// AlertLevel - текущий уровень тревоги (0 safe .. 3 critical)
var AlertLevel = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "alert_level",
		Help:      "Liquidation alert level (0=safe, 1=watch, 2=warning, 3=critical)",
	},
	[]string{"symbol"},
)

// AlertTransitions - смены уровня тревоги
var AlertTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "alert_transitions_total",
		Help:      "Liquidation alert level changes",
	},
	[]string{"symbol", "level"},
)

// GuardBlocks - входы, заблокированные фильтрами
var GuardBlocks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "guard_blocks_total",
		Help:      "Entries blocked by risk guards",
	},
	[]string{"symbol", "rule"},
)

// Volatility - последняя оценка волатильности (ATR / close)
var Volatility = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "risk",
		Name:      "volatility_ratio",
		Help:      "Last ATR / close estimate",
	},
	[]string{"symbol"},
)

// ============ Метрики производительности ============

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"}, // events, notification, trade
)

// BufferBacklog - заполненность буферов в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "trading",
		Name:      "buffer_backlog_ratio",
		Help:      "Channel fill ratio observed on overflow",
	},
	[]string{"buffer"},
)

// GoroutineCount - количество горутин
var GoroutineCount = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "futuresbot",
		Subsystem: "system",
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	},
)

// ============ Вспомогательные функции ============

// RecordBarLatency записывает латентность обработки бара
func RecordBarLatency(symbol string, d time.Duration) {
	BarProcessingLatency.WithLabelValues(symbol).Observe(float64(d.Microseconds()) / 1000)
	EventsProcessed.WithLabelValues("bar").Inc()
}

// RecordMarkLatency записывает латентность обработки маркировочной цены
func RecordMarkLatency(symbol string, d time.Duration) {
	MarkProcessingLatency.WithLabelValues(symbol).Observe(float64(d.Microseconds()) / 1000)
	EventsProcessed.WithLabelValues("mark").Inc()
}

// RecordOrderLatency записывает латентность ордера
func RecordOrderLatency(exchangeName, stage string, d time.Duration) {
	OrderExecutionLatency.WithLabelValues(exchangeName, stage).Observe(float64(d.Microseconds()) / 1000)
}

// RecordDecision записывает решение контроллера
func RecordDecision(symbol string, d Decision) {
	Decisions.WithLabelValues(symbol, d.Action.String(), d.Reason).Inc()
}

// RecordTrade записывает закрытую сделку
func RecordTrade(symbol, reason string, pnl float64) {
	result := "loss"
	if pnl > 0 {
		result = "win"
	}
	TradesTotal.WithLabelValues(symbol, reason, result).Inc()
	PnlTotal.Add(pnl)
}

// RecordState отмечает текущее состояние инструмента
func RecordState(symbol, state string) {
	for _, s := range allStatesList {
		v := 0.0
		if s == state {
			v = 1
		}
		InstrumentState.WithLabelValues(symbol, s).Set(v)
	}
}

// RecordLiquidation обновляет метрики близости к ликвидации
func RecordLiquidation(symbol string, distance float64, level int, changed bool, levelName string) {
	LiquidationDistance.WithLabelValues(symbol).Set(distance)
	AlertLevel.WithLabelValues(symbol).Set(float64(level))
	if changed {
		AlertTransitions.WithLabelValues(symbol, levelName).Inc()
	}
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}

// UpdateRuntimeMetrics обновляет системные метрики
func UpdateRuntimeMetrics() {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
