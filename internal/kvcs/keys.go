package kvcs

import (
	"fmt"

	"github.com/opsdeck/feature-governor/internal/feature"
)

// Reserved key space. These literal layouts are part of the platform
// contract: applications read CONFIG:FEATURE:{key}:STATUS on their hot path.
const (
	StatusGo   = "GO"
	StatusStop = "STOP"

	keyPrevHourMetrics = "PREV_HOUR_ACCOUNT_METRICS"
	settingsPrefix     = "CONFIG:SETTINGS:"
	dailyCachePrefix   = "CACHE:DAILY:"
	statusSuffix       = ":STATUS"
)

func statusKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + statusSuffix
}

func disabledReasonKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + ":DISABLED_REASON"
}

func disabledAtKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + ":DISABLED_AT"
}

func autoResetAtKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + ":AUTO_RESET_AT"
}

func budgetKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + ":BUDGET"
}

func costBudgetKey(k feature.Key) string {
	return "CONFIG:FEATURE:" + k.String() + ":COST_BUDGET"
}

func accumulatedCostKey(k feature.Key) string {
	return "STATE:COST:" + k.String() + ":ACCUMULATED"
}

func reservoirKey(k feature.Key) string {
	return "STATE:RESERVOIR:" + k.String()
}

func pidKey(k feature.Key) string {
	return "STATE:PID:" + k.String()
}

func counterKey(k feature.Key, resource string, w Window) string {
	return fmt.Sprintf("CTR:%s:%s:%s", k.String(), resource, w)
}

// SettingKey builds the cache cell for one canonical platform setting.
func SettingKey(name string) string { return settingsPrefix + name }

// DailyCacheKey is the query-service cache cell invalidated after rollups.
func DailyCacheKey(project, date string) string {
	return dailyCachePrefix + project + ":" + date
}
