package bot

import (
	"fmt"

	"futuresbot/internal/liquidation"
	"futuresbot/internal/models"
)

// Action - действие контроллера на текущем цикле
type Action int

const (
	ActionHold Action = iota
	ActionEnter
	ActionExit
	ActionReduce // частичный тейк-профит
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "enter"
	case ActionExit:
		return "exit"
	case ActionReduce:
		return "reduce"
	default:
		return "hold"
	}
}

// Причины удержания (hold)
const (
	HoldNoSignal     = "no-signal"
	HoldWeakSignal   = "weak-signal"
	HoldRiskBlocked  = "risk-blocked"
	HoldGuardBlocked = "guard-blocked"
	HoldInFlight     = "transition-in-flight"
	HoldStopped      = "stopped"
	HoldPosition     = "position-held"
)

// DecisionInput - всё что известно контроллеру на цикле.
// Signal равен nil на циклах маркировочной цены.
type DecisionInput struct {
	State       string
	Position    *models.Position
	Signal      *models.Signal
	Risk        models.RiskParameters
	Liquidation *liquidation.Evaluation
	Price       float64
	PendingExit string // причина неудавшегося выхода прошлых циклов
	GuardErr    error
	Shutdown    bool
	Stopped     bool

	EntryThreshold float64
	ExitThreshold  float64
}

// Decision - результат Decide
type Decision struct {
	Action Action
	Side   models.Side // для входа
	Level  int         // ступень лестницы тейк-профитов для ActionReduce
	Reason string
}

func (d Decision) String() string {
	switch d.Action {
	case ActionEnter:
		return fmt.Sprintf("%s %s (%s)", d.Action, d.Side, d.Reason)
	case ActionReduce:
		return fmt.Sprintf("%s tp%d (%s)", d.Action, d.Level+1, d.Reason)
	}
	return fmt.Sprintf("%s (%s)", d.Action, d.Reason)
}

func hold(reason string) Decision {
	return Decision{Action: ActionHold, Reason: reason}
}

func exit(reason string) Decision {
	return Decision{Action: ActionExit, Reason: reason}
}

// Decide - единственная функция решения контроллера. Приоритеты:
//  1. остановка
//  2. критическая близость к ликвидации
//  3. стоп-лосс / тейк-профит / ступень лестницы тейк-профитов
//  4. противоположный сигнал >= ExitThreshold
//  5. вход из FLAT при сигнале >= EntryThreshold, разрешённом риске и фильтрах
//
// Функция чистая: одинаковый вход даёт одинаковый результат.
func Decide(in DecisionInput) Decision {
	open := in.State == models.StateOpen && in.Position != nil

	if in.State == models.StateEntering || in.State == models.StateExiting {
		return hold(HoldInFlight)
	}

	// 1
	if in.Shutdown {
		if open {
			return exit(models.ExitReasonShutdown)
		}
		return hold(HoldStopped)
	}

	if open {
		// 2
		if in.Liquidation != nil && in.Liquidation.RequiresAction {
			return exit(models.ExitReasonLiquidationCritical)
		}
		if in.PendingExit != "" {
			return exit(in.PendingExit)
		}
		// 3
		if in.Price > 0 {
			if in.Position.StopTouched(in.Price) {
				return exit(models.ExitReasonStopLoss)
			}
			if in.Position.TakeProfitTouched(in.Price) {
				return exit(models.ExitReasonTakeProfit)
			}
			if level, ok := in.Position.NextTakeProfit(in.Price); ok {
				return Decision{Action: ActionReduce, Level: level, Reason: models.ExitReasonTakeProfitPartial}
			}
		}
		// 4
		if in.Signal != nil &&
			in.Signal.Direction == in.Position.Side.Direction().Opposite() &&
			in.Signal.Strength >= in.ExitThreshold {
			return exit(models.ExitReasonSignalReversal)
		}
		return hold(HoldPosition)
	}

	// 5
	if in.Stopped {
		return hold(HoldStopped)
	}
	if in.Signal == nil || !in.Signal.Actionable() {
		return hold(HoldNoSignal)
	}
	if in.Signal.Strength < in.EntryThreshold {
		return hold(HoldWeakSignal)
	}
	if !in.Risk.Permitted() {
		return hold(HoldRiskBlocked)
	}
	if in.GuardErr != nil {
		return hold(HoldGuardBlocked)
	}
	return Decision{Action: ActionEnter, Side: in.Signal.Direction.Side(), Reason: "signal"}
}
