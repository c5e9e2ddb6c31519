package notification

import (
	"fmt"

	"options-signal-engine/internal/events"
	"options-signal-engine/internal/logging"
)

// BindBus wires the notification manager to engine events. Event delivery is
// synchronous on the publisher's goroutine, so each notification is handed
// off before any HTTP call is made.
func BindBus(m *Manager, bus *events.EventBus, logger *logging.Logger) {
	log := logger.WithComponent("notification")

	send := func(kind string, fn func() error) {
		go func() {
			if err := fn(); err != nil {
				log.Error("Failed to send notification", "kind", kind, "error", err.Error())
			}
		}()
	}

	bus.Subscribe(events.EventExitAlert, func(e events.Event) {
		send("exit_alert", func() error {
			return m.SendExitAlert(
				str(e.Data["symbol"]),
				str(e.Data["priority"]),
				str(e.Data["exit_rule"]),
				f64(e.Data["current_price"]),
				e.Data["auto_closed"] == true,
				strs(e.Data["reasoning"]),
			)
		})
	})

	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		send("position_opened", func() error {
			return m.SendPositionOpened(
				str(e.Data["symbol"]),
				str(e.Data["direction"]),
				f64(e.Data["entry_price"]),
				f64(e.Data["quantity"]),
			)
		})
	})

	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		send("position_closed", func() error {
			return m.SendPositionClosed(
				str(e.Data["symbol"]),
				f64(e.Data["quantity"]),
				f64(e.Data["realized_pnl"]),
				e.Data["partial"] == true,
			)
		})
	})

	bus.Subscribe(events.EventDegradedInput, func(e events.Event) {
		send("degraded", func() error {
			return m.SendDegraded(str(e.Data["symbol"]), strs(e.Data["degraded"]))
		})
	})
}

func str(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func f64(v interface{}) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

func strs(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, str(item))
		}
		return out
	}
	return nil
}
