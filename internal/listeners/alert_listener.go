package listeners

import (
	"encoding/json"

	"SafeTrace/internal/models"
	"SafeTrace/pkg/notification"
	"SafeTrace/pkg/sse"
	"SafeTrace/pkg/util"
	"SafeTrace/pkg/websocket"
)

// InitAlertListeners 注册告警创建信号：实时推给观察者，高严重度走出站分发
func InitAlertListeners(hub *websocket.Hub, feed *sse.Hub, dispatcher notification.Dispatcher) {
	util.Sig().Connect(models.SigAlertCreate, func(sender any, params ...any) {
		alert, ok := sender.(*models.Alert)
		if !ok || len(params) == 0 {
			return
		}
		perm, ok := params[0].(*models.Permission)
		if !ok {
			return
		}

		payload := map[string]interface{}{
			"type":       "alert",
			"alert_id":   alert.ID,
			"alert_type": alert.AlertType,
			"severity":   alert.Severity,
			"title":      alert.Title,
			"message":    alert.Message,
			"created_at": alert.CreatedAt.Unix(),
		}
		if alert.Location != "" {
			var loc map[string]float64
			if err := json.Unmarshal([]byte(alert.Location), &loc); err == nil {
				payload["location"] = loc
			}
		}

		// 告警接收方是授权的请求方（观察者）
		if hub != nil {
			hub.SendToUser(perm.RequesterID, payload)
		}
		if feed != nil {
			feed.SendToUserJSON(perm.RequesterID, payload)
		}

		if dispatcher != nil &&
			(alert.Severity == models.SeverityHigh || alert.Severity == models.SeverityCritical) {
			go func() {
				_ = dispatcher.Dispatch(notification.Notice{
					UserID:   perm.RequesterID,
					Kind:     alert.AlertType,
					Severity: alert.Severity,
					Title:    alert.Title,
					Message:  alert.Message,
				})
			}()
		}
	})
}

// InitPermissionListeners 新申请到达时提醒被观察方
func InitPermissionListeners(feed *sse.Hub, dispatcher notification.Dispatcher) {
	util.Sig().Connect(models.SigPermissionRequest, func(sender any, params ...any) {
		perm, ok := sender.(*models.Permission)
		if !ok {
			return
		}

		payload := map[string]interface{}{
			"type":          "permission_request",
			"permission_id": perm.ID,
			"requester_id":  perm.RequesterID,
			"purpose":       perm.Purpose,
		}
		if feed != nil {
			feed.SendToUserJSON(perm.TargetID, payload)
		}
		if dispatcher != nil {
			go func() {
				_ = dispatcher.Dispatch(notification.Notice{
					UserID:  perm.TargetID,
					Kind:    "permission_request",
					Title:   "新的位置共享申请",
					Message: perm.Purpose,
				})
			}()
		}
	})
}
