package service

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"SafeTrace/internal/models"
)

// 事件类型
const (
	ZoneEventEntry = "entry"
	ZoneEventExit  = "exit"
)

// ZoneEvent 一次围栏边界穿越
type ZoneEvent struct {
	Zone      *models.SafeZone
	EventType string
	At        time.Time
}

// GeofenceEngine 圆形围栏包含判定与进出转移检测。
// 按 (user, zone) 维护上一次的在内/在外状态，稳态不产生事件；
// 状态用LRU承载，长期不活跃的键自动淘汰。
// 被淘汰的键下一次落在区内时会重发一条entry事件，
// 用偶发的重复事件换内存上界。
type GeofenceEngine struct {
	state *lru.Cache[string, bool]
}

func NewGeofenceEngine(stateSize int) (*GeofenceEngine, error) {
	if stateSize <= 0 {
		stateSize = 65536
	}
	state, err := lru.New[string, bool](stateSize)
	if err != nil {
		return nil, err
	}
	return &GeofenceEngine{state: state}, nil
}

func membershipKey(userID, zoneID string) string {
	return userID + "|" + zoneID
}

// Evaluate 对每个激活的围栏判定样本是否在内并检测转移。
// 不在激活时窗内的围栏整体跳过，其历史状态不更新。
// 状态更新不受告警开关影响，开关中途切换不会制造虚假穿越。
func (e *GeofenceEngine) Evaluate(sample *models.LocationSample, zones []models.SafeZone) []ZoneEvent {
	at := sample.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var events []ZoneEvent
	for i := range zones {
		zone := &zones[i]
		if !zone.ActiveAt(at) {
			continue
		}

		inside := zone.Contains(sample.Latitude, sample.Longitude)
		key := membershipKey(sample.UserID, zone.ID)
		wasInside, _ := e.state.Get(key) // 未知视为在外
		e.state.Add(key, inside)

		if inside == wasInside {
			continue
		}
		if inside && zone.SendEntryAlert {
			events = append(events, ZoneEvent{Zone: zone, EventType: ZoneEventEntry, At: at})
		}
		if !inside && zone.SendExitAlert {
			events = append(events, ZoneEvent{Zone: zone, EventType: ZoneEventExit, At: at})
		}
	}
	return events
}

// Forget 清除某用户某围栏的历史状态（围栏删除时调用）
func (e *GeofenceEngine) Forget(userID, zoneID string) {
	e.state.Remove(membershipKey(userID, zoneID))
}
