package upload

import (
	"context"
	"os"
	"time"

	"github.com/myysophia/coursevm-backend/internal/logger"
	"go.uber.org/zap"
)

// SSE 事件类型
const (
	EventStatus = "STATUS"
	EventError  = "ERROR"
	EventDone   = "DONE"
)

// Event 上传处理状态事件
type Event struct {
	Type    string `json:"-"`
	Message string `json:"message,omitempty"`
	ID      uint   `json:"id,omitempty"`
}

// Terminal DONE 之后不再推送
func (e Event) Terminal() bool {
	return e.Type == EventDone
}

// CatalogLookup 按文件名查询目录记录
type CatalogLookup interface {
	FindIDByName(ctx context.Context, name string) (uint, bool, error)
}

// StatusProbe 根据上传目录、下载目录和数据库推断上传处理到了哪一步
type StatusProbe struct {
	layout     Layout
	catalog    CatalogLookup
	staleAfter time.Duration
	now        func() time.Time
}

func NewStatusProbe(layout Layout, catalog CatalogLookup, staleAfter time.Duration) *StatusProbe {
	return &StatusProbe{layout: layout, catalog: catalog, staleAfter: staleAfter, now: time.Now}
}

func statusEvent(msg string) Event { return Event{Type: EventStatus, Message: msg} }
func errorEvent(msg string) Event  { return Event{Type: EventError, Message: msg} }

// Check 返回当前状态
func (p *StatusProbe) Check(ctx context.Context, filename, flowid string) Event {
	if !ValidUploadID(flowid) || !ValidFilename(filename) {
		return errorEvent("Invalid 'filename' and 'flowid'?")
	}

	if p.layout.HasAnyFile(flowid) {
		marker := p.layout.MarkerPath(flowid)
		if info, err := os.Stat(marker); err == nil && info.Mode().IsRegular() {
			if p.older(info.ModTime()) {
				return errorEvent("Background task is not running")
			}
			return statusEvent("Waiting for background task to start")
		}
		if len(p.layout.ClaimedMarkers(flowid)) > 0 {
			if _, err := os.Stat(p.layout.ErrorPath(flowid)); err == nil {
				return errorEvent("File processing has failed! Contact administration!")
			}
			return statusEvent("VM image is being assembled...")
		}
		if _, err := os.Stat(p.layout.ErrorPath(flowid)); err == nil {
			return errorEvent("File processing has failed! Contact administration!")
		}
		return errorEvent("Incomplete upload! .job file has not been created!")
	}

	info, err := os.Stat(p.layout.TargetPath(filename))
	if err != nil || !info.Mode().IsRegular() {
		return errorEvent("Invalid 'filename' and 'flowid'?")
	}

	id, found, err := p.catalog.FindIDByName(ctx, filename)
	if err != nil {
		// 数据库暂时不可用时下一轮再查
		logger.Warn("查询目录记录失败", zap.String("filename", filename), zap.Error(err))
		return statusEvent("Information being extracted from the VM image.")
	}
	if found {
		return Event{Type: EventDone, ID: id}
	}
	if p.older(info.ModTime()) {
		return errorEvent("Post-assembly error? Contact Administrator!")
	}
	return statusEvent("Information being extracted from the VM image.")
}

func (p *StatusProbe) older(t time.Time) bool {
	return t.Before(p.now().Add(-p.staleAfter))
}
