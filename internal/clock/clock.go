package clock

import (
	"time"

	"go.uber.org/zap"
)

// 本地时区候选（依次尝试），都不可用时使用固定 UTC+7
var fallbackZones = []string{"Asia/Ho_Chi_Minh", "Asia/Bangkok"}

// FixedUTC7 最后的兜底时区
var FixedUTC7 = time.FixedZone("UTC+7", 7*60*60)

// Clock 时间来源
type Clock interface {
	Now() time.Time
}

// LocalClock 返回本地时区的当前时间
type LocalClock struct {
	loc *time.Location
}

// NewLocalClock 创建本地时钟，name 为首选时区
func NewLocalClock(name string, logger *zap.Logger) *LocalClock {
	return &LocalClock{loc: LoadLocation(name, logger)}
}

// Now 当前本地时间
func (c *LocalClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location 使用的时区
func (c *LocalClock) Location() *time.Location {
	return c.loc
}

// LoadLocation 按 name -> Asia/Ho_Chi_Minh -> Asia/Bangkok -> UTC+7 的顺序解析时区
func LoadLocation(name string, logger *zap.Logger) *time.Location {
	return loadLocation(name, time.LoadLocation, logger)
}

func loadLocation(name string, load func(string) (*time.Location, error), logger *zap.Logger) *time.Location {
	candidates := fallbackZones
	if name != "" {
		candidates = append([]string{name}, fallbackZones...)
	}
	for _, zone := range candidates {
		loc, err := load(zone)
		if err == nil {
			return loc
		}
		if logger != nil {
			logger.Debug("Time zone not available", zap.String("zone", zone), zap.Error(err))
		}
	}
	if logger != nil {
		logger.Warn("No IANA time zone data available, using fixed UTC+7")
	}
	return FixedUTC7
}

// Fixed 固定时间的时钟，测试使用
type Fixed struct {
	T time.Time
}

// Now 返回固定时间
func (f *Fixed) Now() time.Time {
	return f.T
}

// Advance 时钟前进 d
func (f *Fixed) Advance(d time.Duration) {
	f.T = f.T.Add(d)
}
