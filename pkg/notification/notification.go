package notification

import (
	"go.uber.org/zap"

	"SafeTrace/pkg/logger"
)

// Notice 一条出站通知。具体投递通道（邮件/短信/推送）由外部服务承担，
// 这里只定义分发接口。
type Notice struct {
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Dispatcher 把通知交给出站投递方
type Dispatcher interface {
	Dispatch(notice Notice) error
}

// LogDispatcher 默认实现：只落日志，生产环境替换为网关客户端
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(notice Notice) error {
	logger.Info("notification dispatched",
		zap.String("user_id", notice.UserID),
		zap.String("kind", notice.Kind),
		zap.String("severity", notice.Severity),
		zap.String("title", notice.Title))
	return nil
}
