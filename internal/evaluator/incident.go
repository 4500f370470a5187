package evaluator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"iot-telemetry/internal/store"
)

// IncidentTracker 记录 (规则, 传感器) 的未恢复告警
// 同一事件在条件恢复前或冷却期内只通知一次
type IncidentTracker struct {
	kv       store.KVStore
	prefix   string
	cooldown time.Duration
}

// NewIncidentTracker 创建事件跟踪器；cooldown<=0 表示直到恢复前都不过期
func NewIncidentTracker(kv store.KVStore, prefix string, cooldown time.Duration) *IncidentTracker {
	return &IncidentTracker{kv: kv, prefix: prefix, cooldown: cooldown}
}

func (t *IncidentTracker) key(ruleID, sensorID int64) string {
	return fmt.Sprintf("%s%d:%d", t.prefix, ruleID, sensorID)
}

// Open 打开事件，返回 true 表示这是新事件需要通知
func (t *IncidentTracker) Open(ctx context.Context, ruleID, sensorID int64, at time.Time) (bool, error) {
	return t.kv.SetNX(ctx, t.key(ruleID, sensorID), strconv.FormatInt(at.Unix(), 10), t.cooldown)
}

// Clear 条件恢复，关闭事件
func (t *IncidentTracker) Clear(ctx context.Context, ruleID, sensorID int64) error {
	return t.kv.Del(ctx, t.key(ruleID, sensorID))
}
