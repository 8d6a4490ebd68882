package meta

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TransferState 是一次路由上传在网关上的生命周期
// Received -> Forwarded -> Purged
type TransferState string

const (
	// StateReceived 文件已完整写入网关本地，还没转发成功
	StateReceived TransferState = "received"
	// StateForwarded 存储节点已确认写入，本地副本还没删除
	StateForwarded TransferState = "forwarded"
	// StatePurged 本地副本已删除，流程结束
	StatePurged TransferState = "purged"
)

// RouteInfo 记录转发时使用的路由，恢复时不依赖当前配置也能重放
type RouteInfo struct {
	Addr   string `json:"addr"`
	Marker string `json:"marker"`
}

// Transfer 是一次路由上传的日志记录
type Transfer struct {
	// ID 是 UUID 字符串
	ID string `gorm:"primaryKey;type:char(36)"`

	FileName string `gorm:"type:varchar(255);not null"`
	// LocalKey 是网关存储里的 key (相对于网关根目录)
	LocalKey string `gorm:"type:text;not null"`
	// Class 是类别名 ("pdf", "txt", "zip")
	Class string `gorm:"index;type:varchar(16);not null"`
	// RemoteDest 是已经改写成目标节点标记的目标目录
	RemoteDest string `gorm:"type:text;not null"`

	Route datatypes.JSON

	State     TransferState `gorm:"index;type:varchar(16);not null"`
	Attempts  int           `gorm:"default:0"`
	LastError string        `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 强制指定表名
func (Transfer) TableName() string {
	return "transfers"
}

// SetRoute 把路由编码进 JSON 列
func (t *Transfer) SetRoute(r RouteInfo) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	t.Route = datatypes.JSON(data)
	return nil
}

// RouteInfo 解码 JSON 列
func (t *Transfer) RouteInfo() (RouteInfo, error) {
	var r RouteInfo
	if len(t.Route) == 0 {
		return r, nil
	}
	err := json.Unmarshal(t.Route, &r)
	return r, err
}
