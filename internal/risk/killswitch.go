package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Trigger names the condition that tripped the kill switch.
type Trigger string

const (
	TriggerManual              Trigger = "manual"
	TriggerMaxDrawdown         Trigger = "max_drawdown"
	TriggerDailyLoss           Trigger = "daily_loss"
	TriggerExchangeError       Trigger = "exchange_error"
	TriggerPositionLiquidation Trigger = "position_liquidation"
	TriggerAbnormalVolatility  Trigger = "abnormal_volatility"
	TriggerConnectionLoss      Trigger = "connection_loss"
	TriggerSystemError         Trigger = "system_error"
)

// ErrConfirmationRequired is returned when Deactivate is called without a
// confirmation code.
var ErrConfirmationRequired = errors.New("confirmation required to reset kill switch")

// Event records one kill switch activation.
type Event struct {
	Trigger      Trigger   `json:"trigger"`
	Reason       string    `json:"reason"`
	AffectedBots []string  `json:"affected_bots"`
	Timestamp    time.Time `json:"timestamp"`
}

// KillSwitch is the latching emergency stop. Once active it refuses every
// order until explicitly deactivated with a confirmation code.
type KillSwitch struct {
	mu           sync.Mutex
	active       bool
	affectedBots []string
	events       []Event
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Activate latches the switch and records the event. Activating an already
// active switch records another event but changes nothing else.
func (k *KillSwitch) Activate(trigger Trigger, reason string, botIDs []string) Event {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.active = true
	k.affectedBots = botIDs
	ev := Event{
		Trigger:      trigger,
		Reason:       reason,
		AffectedBots: botIDs,
		Timestamp:    time.Now().UTC(),
	}
	k.events = append(k.events, ev)
	return ev
}

// Deactivate unlatches the switch. A confirmation code is mandatory.
func (k *KillSwitch) Deactivate(confirmationCode string) error {
	if confirmationCode == "" {
		return ErrConfirmationRequired
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = false
	k.affectedBots = nil
	return nil
}

// Active reports whether the switch is latched.
func (k *KillSwitch) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

// CheckConditions activates the switch on the first breached condition and
// returns the event, or nil when nothing tripped or the switch is already
// latched.
func (k *KillSwitch) CheckConditions(currentDrawdown, maxDrawdown, dailyLoss, maxDailyLoss float64, exchangeHealthy bool) *Event {
	k.mu.Lock()
	active := k.active
	k.mu.Unlock()
	if active {
		return nil
	}

	if currentDrawdown >= maxDrawdown {
		ev := k.Activate(TriggerMaxDrawdown,
			fmt.Sprintf("Drawdown %.2f%% exceeded limit %.2f%%", currentDrawdown, maxDrawdown), nil)
		return &ev
	}
	if dailyLoss >= maxDailyLoss {
		ev := k.Activate(TriggerDailyLoss,
			fmt.Sprintf("Daily loss %.2f%% exceeded limit %.2f%%", dailyLoss, maxDailyLoss), nil)
		return &ev
	}
	if !exchangeHealthy {
		ev := k.Activate(TriggerExchangeError, "Exchange connection unhealthy", nil)
		return &ev
	}
	return nil
}

// Status summarizes the switch for snapshots.
func (k *KillSwitch) Status() (active bool, lastReason string, activations int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.events) > 0 {
		lastReason = k.events[len(k.events)-1].Reason
	}
	return k.active, lastReason, len(k.events)
}
