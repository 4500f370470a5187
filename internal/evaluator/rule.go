package evaluator

import (
	"fmt"
	"strconv"

	"iot-telemetry/internal/models"
)

// Check 判断读数是否触发 MinMax 规则
// 严格比较：等于阈值不触发；同时配置上下限时先检查上限
func Check(rule models.AlertRule, reading models.Reading) (bool, string) {
	if rule.ConditionType != models.ConditionMinMax {
		return false, ""
	}
	if rule.MaxVal != nil && reading.Value > *rule.MaxVal {
		return true, fmt.Sprintf("Warning: sensor %d exceeded the allowed threshold (value: %s > max: %s)",
			reading.SensorID, formatValue(reading.Value), formatValue(*rule.MaxVal))
	}
	if rule.MinVal != nil && reading.Value < *rule.MinVal {
		return true, fmt.Sprintf("Warning: sensor %d fell below the allowed threshold (value: %s < min: %s)",
			reading.SensorID, formatValue(reading.Value), formatValue(*rule.MinVal))
	}
	return false, ""
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
