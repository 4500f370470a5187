package broadcast

import (
	"context"

	rediscommon "iot-telemetry/common/redis"

	"github.com/go-redis/redis/v8"
)

// StreamSink 把全局事件镜像到 Redis Stream，供其他服务消费
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink 创建 Stream 镜像
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Publish 写入一条事件
func (s *StreamSink) Publish(ctx context.Context, event string, payload interface{}) error {
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, event, payload)
	return err
}
