package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"futuresbot/internal/models"
)

var severityIcon = map[string]string{
	models.SeverityInfo:     "ℹ️",
	models.SeverityWarn:     "⚠️",
	models.SeverityError:    "❌",
	models.SeverityCritical: "🚨",
}

var kindTitle = map[string]string{
	models.NotificationEntry:               "Вход в позицию",
	models.NotificationExit:                "Выход из позиции",
	models.NotificationLiquidationWarning:  "Риск ликвидации",
	models.NotificationLiquidationCritical: "Критический риск ликвидации",
	models.NotificationError:               "Ошибка",
	models.NotificationRisk:                "Вход заблокирован",
	models.NotificationRecovery:            "Восстановление позиции",
	models.NotificationDailySummary:        "Итоги дня",
}

// Format формирует HTML сообщение для Telegram
func Format(n *models.Notification) string {
	var b strings.Builder

	icon := severityIcon[n.Severity]
	if icon == "" {
		icon = "•"
	}
	title := kindTitle[n.Kind]
	if title == "" {
		title = n.Kind
	}

	b.WriteString(fmt.Sprintf("%s <b>%s</b>", icon, html.EscapeString(title)))
	if n.Symbol != "" {
		b.WriteString(fmt.Sprintf(" | <code>%s</code>", html.EscapeString(n.Symbol)))
	}
	b.WriteString("\n\n")
	b.WriteString(html.EscapeString(n.Message))
	b.WriteString("\n")

	if len(n.Meta) > 0 {
		keys := make([]string, 0, len(n.Meta))
		for k := range n.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("%s: <code>%s</code>\n",
				html.EscapeString(k), html.EscapeString(formatValue(n.Meta[k]))))
		}
	}

	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(fmt.Sprintf("\n<i>%s UTC</i>", ts.UTC().Format("2006-01-02 15:04:05")))
	return b.String()
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", x), "0"), ".")
	case float32:
		return formatValue(float64(x))
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// FormatDailySummary формирует текст итогов дня для планировщика
func FormatDailySummary(day models.DailyStats, stats *models.Stats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Итоги %s\n", day.Day.UTC().Format("2006-01-02")))
	b.WriteString(fmt.Sprintf("Сделок: %d (прибыльных %d, убыточных %d)\n", day.Trades, day.Wins, day.Losses))
	b.WriteString(fmt.Sprintf("PNL дня: %+.2f USDT\n", day.Pnl))
	if stats != nil {
		b.WriteString(fmt.Sprintf("Всего: %d сделок, win rate %.1f%%, PNL %+.2f USDT, max DD %.2f",
			stats.TotalTrades, stats.WinRate*100, stats.TotalPnl, stats.MaxDrawdown))
	}
	return b.String()
}
