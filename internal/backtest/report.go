package backtest

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"

	"futuresbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Report - итог прогона
type Report struct {
	From          time.Time                  `json:"from"`
	To            time.Time                  `json:"to"`
	Bars          int                        `json:"bars"`
	Interrupted   bool                       `json:"interrupted,omitempty"`
	InitialEquity float64                    `json:"initial_equity"`
	FinalEquity   float64                    `json:"final_equity"`
	ReturnPct     float64                    `json:"return_pct"`
	Fees          float64                    `json:"fees"`
	Stats         *models.Stats              `json:"stats"`
	Daily         []models.DailyStats        `json:"daily"`
	Instruments   []models.InstrumentRuntime `json:"instruments"`
	Notifications map[string]int             `json:"notifications"`
	Trades        []*models.TradeRecord      `json:"trades"`
	Elapsed       time.Duration              `json:"elapsed"`
}

func newReport(initialEquity float64) *Report {
	return &Report{
		InitialEquity: initialEquity,
		Notifications: make(map[string]int),
	}
}

func (r *Report) addNotification(n *models.Notification) {
	r.Notifications[n.Kind]++
}

func (r *Report) finish() {
	if r.InitialEquity > 0 {
		r.ReturnPct = (r.FinalEquity - r.InitialEquity) / r.InitialEquity * 100
	}
	if r.Stats == nil {
		r.Stats = &models.Stats{}
	}
}

// WriteJSON выводит отчёт в JSON
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Print выводит отчёт таблицами
func (r *Report) Print(w io.Writer, withTrades bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Период\t%s .. %s\n", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	fmt.Fprintf(tw, "Баров\t%d\n", r.Bars)
	if r.Interrupted {
		fmt.Fprintf(tw, "Прогон прерван\tда\n")
	}
	fmt.Fprintf(tw, "Эквити\t%.2f -> %.2f (%+.2f%%)\n", r.InitialEquity, r.FinalEquity, r.ReturnPct)
	fmt.Fprintf(tw, "Комиссии\t%.2f\n", r.Fees)

	s := r.Stats
	fmt.Fprintf(tw, "Сделок\t%d (прибыльных %d, убыточных %d)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Fprintf(tw, "Win rate\t%.1f%%\n", s.WinRate*100)
	fmt.Fprintf(tw, "PNL\t%+.2f\n", s.TotalPnl)
	fmt.Fprintf(tw, "Profit factor\t%.2f\n", s.ProfitFactor)
	fmt.Fprintf(tw, "Макс. просадка\t%.2f\n", s.MaxDrawdown)
	fmt.Fprintf(tw, "Лучшая / худшая\t%+.2f / %+.2f\n", s.BestTrade, s.WorstTrade)
	fmt.Fprintf(tw, "Средняя длительность\t%.1f баров\n", s.AvgDurationTicks)
	if len(s.ByReason) > 0 {
		fmt.Fprintf(tw, "Причины выхода\t%s\n", formatCounts(s.ByReason))
	}
	if len(r.Notifications) > 0 {
		fmt.Fprintf(tw, "Уведомления\t%s\n", formatCounts(r.Notifications))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Daily) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(tw, "ДЕНЬ\tСДЕЛОК\tWIN\tLOSS\tPNL")
		for _, d := range r.Daily {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%+.2f\n", d.Day.Format("2006-01-02"), d.Trades, d.Wins, d.Losses, d.Pnl)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if withTrades && len(r.Trades) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(tw, "ЗАКРЫТА\tСИМВОЛ\tСТОРОНА\tПЛЕЧО\tВХОД\tВЫХОД\tPNL\tПРИЧИНА")
		for _, t := range r.Trades {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dx\t%.4f\t%.4f\t%+.2f\t%s\n",
				t.ClosedAt.Format("2006-01-02 15:04"), t.Symbol, t.Side, t.Leverage,
				t.EntryPrice, t.ExitPrice, t.Pnl, t.Reason)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}
