package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"futuresbot/internal/config"
	"futuresbot/pkg/utils"
)

var (
	// общие
	logLevel string

	// run
	strategyPath string
	dataDir      string
	fromInflux   bool
	fromFlag     string
	toFlag       string
	journalPath  string
	jsonOutput   bool
	showTrades   bool
	equityFlag   float64

	// import
	importSymbol   string
	importInterval string

	rootCmd = &cobra.Command{
		Use:           "backtest",
		Short:         "Прогон стратегии фьючерсного бота на истории",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Проиграть историю через движок и вывести отчёт",
		Long: `Проигрывает свечи из CSV (<data>/<SYMBOL>_<interval>.csv) или InfluxDB
через тот же движок, что торгует live. Параметры инструментов берутся
из файла стратегии.`,
		Args: cobra.NoArgs,
		RunE: runBacktest, // cmd_run.go
	}

	importCmd = &cobra.Command{
		Use:   "import [csv...]",
		Short: "Загрузить свечи из CSV в InfluxDB",
		Long: `Имя файла задаёт символ и интервал: BTCUSDT_1m.csv.
Флаги --symbol и --interval переопределяют их для всех файлов.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runImport, // cmd_import.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "уровень логирования (по умолчанию LOG_LEVEL)")

	runCmd.Flags().StringVarP(&strategyPath, "strategy", "s", "configs/strategy.yaml", "файл стратегии")
	runCmd.Flags().StringVarP(&dataDir, "data", "d", "data/history", "каталог CSV истории")
	runCmd.Flags().BoolVar(&fromInflux, "influx", false, "читать историю из InfluxDB (INFLUX_* из окружения)")
	runCmd.Flags().StringVar(&fromFlag, "from", "", "начало периода для --influx (RFC3339 или 2006-01-02)")
	runCmd.Flags().StringVar(&toFlag, "to", "", "конец периода для --influx (по умолчанию сейчас)")
	runCmd.Flags().StringVar(&journalPath, "journal", "", "SQLite файл журнала сделок прогона")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "вывести отчёт в JSON")
	runCmd.Flags().BoolVar(&showTrades, "trades", false, "вывести список сделок")
	runCmd.Flags().Float64Var(&equityFlag, "equity", 0, "начальное эквити (переопределяет replay.initial_equity)")

	importCmd.Flags().StringVar(&importSymbol, "symbol", "", "символ для всех файлов")
	importCmd.Flags().StringVar(&importInterval, "interval", "", "интервал для всех файлов")

	rootCmd.AddCommand(runCmd, importCmd)
}

// setup загружает окружение и инициализирует logger
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadEnv()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger := utils.InitGlobalLogger(cfg.Logging).Logger
	return cfg, logger, nil
}
