package evaluator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"iot-telemetry/internal/models"
	"iot-telemetry/internal/store"
)

type notificationCall struct {
	ruleID  int64
	userIDs []int64
	message string
}

// fakeRuleStore 内存规则 / 用户 / 通知
type fakeRuleStore struct {
	mu         sync.Mutex
	rules      map[int64][]models.AlertRule
	users      map[int64][]models.User
	calls      []notificationCall
	nextID     int64
	createErr  error
	rulesErr   error
	usersCalls int
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{
		rules: make(map[int64][]models.AlertRule),
		users: make(map[int64][]models.User),
	}
}

func (f *fakeRuleStore) ListActiveRules(ctx context.Context, sensorID int64) ([]models.AlertRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return f.rules[sensorID], nil
}

func (f *fakeRuleStore) ListUsersBySite(ctx context.Context, siteID int64) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usersCalls++
	return f.users[siteID], nil
}

func (f *fakeRuleStore) CreateNotifications(ctx context.Context, ruleID int64, userIDs []int64, message string, sentAt time.Time) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.calls = append(f.calls, notificationCall{ruleID: ruleID, userIDs: userIDs, message: message})
	out := make([]models.Notification, 0, len(userIDs))
	for _, id := range userIDs {
		f.nextID++
		out = append(out, models.Notification{ID: f.nextID, UserID: id, RuleID: ruleID, Message: message, SentAt: sentAt})
	}
	return out, nil
}

// fakeSites 传感器 -> 站点
type fakeSites map[int64]int64

func (f fakeSites) SiteOfSensor(ctx context.Context, sensorID int64) (int64, error) {
	site, ok := f[sensorID]
	if !ok {
		return 0, errors.New("sensor not found")
	}
	return site, nil
}

// fakeNotifier 记录邮件投递
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	users int
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, rule models.AlertRule, users []models.User, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	f.users += len(users)
	return f.err
}

var _ store.KVStore = (*fakeKVStore)(nil)

// fakeKVStore 仅用于单元测试（内存 KV + TTL）
type fakeKVStore struct {
	mu   sync.Mutex
	data map[string]fakeKVItem
	err  error
}

type fakeKVItem struct {
	value   string
	expires time.Time // zero = no ttl
}

func newFakeKVStore() *fakeKVStore {
	return &fakeKVStore{data: make(map[string]fakeKVItem)}
}

func (f *fakeKVStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}

	if item, ok := f.data[key]; ok && (item.expires.IsZero() || time.Now().Before(item.expires)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.data[key] = fakeKVItem{value: value, expires: exp}
	return true, nil
}

func (f *fakeKVStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKVStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}
