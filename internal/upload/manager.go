package upload

import (
	"sync"
	"time"
)

// 进度状态
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type ChunkInfo struct {
	ChunkNumber int   `json:"chunk_number"`
	ChunkSize   int64 `json:"chunk_size"`
	Received    int64 `json:"received"`
	Uploaded    bool  `json:"uploaded"`
}

type Progress struct {
	UploadID    string      `json:"upid"`
	Total       int64       `json:"total"`
	Uploaded    int64       `json:"uploaded"`
	Percentage  float64     `json:"percentage"`
	Speed       int64       `json:"speed"` // bytes per second
	StartTime   time.Time   `json:"start_time"`
	UpdateTime  time.Time   `json:"update_time"`
	TotalChunks int         `json:"total_chunks"`
	Chunks      []ChunkInfo `json:"chunks"`
	Status      string      `json:"status"`
	Message     string      `json:"message,omitempty"`
}

// Manager 内存中的分片上传进度，仅用于展示，分片是否到达以磁盘为准
type Manager struct {
	mu          sync.RWMutex
	retention   time.Duration
	progresses  map[string]*Progress
	subscribers map[string]map[chan Progress]struct{}
}

// NewManager retention 为上传结束后进度信息保留的时长
func NewManager(retention time.Duration) *Manager {
	return &Manager{
		retention:   retention,
		progresses:  make(map[string]*Progress),
		subscribers: make(map[string]map[chan Progress]struct{}),
	}
}

// chunkLength 第 n 个分片的长度，最后一个分片可能较短
func chunkLength(total, chunkSize int64, n int) int64 {
	start := int64(n-1) * chunkSize
	if start >= total {
		return 0
	}
	if rest := total - start; rest < chunkSize {
		return rest
	}
	return chunkSize
}

// Ensure 如果进度不存在则按上传许可初始化
func (m *Manager) Ensure(id string, total, chunkSize int64, totalChunks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.progresses[id]; ok {
		return
	}

	now := time.Now()
	p := &Progress{
		UploadID:    id,
		Total:       total,
		StartTime:   now,
		UpdateTime:  now,
		TotalChunks: totalChunks,
		Chunks:      make([]ChunkInfo, totalChunks),
		Status:      StatusUploading,
	}
	for i := range p.Chunks {
		p.Chunks[i] = ChunkInfo{ChunkNumber: i + 1, ChunkSize: chunkLength(total, chunkSize, i+1)}
	}
	m.progresses[id] = p
}

// UpdateReceived 记录正在写入的分片已接收的字节数
func (m *Manager) UpdateReceived(id string, chunkNumber int, received int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progresses[id]
	if !ok || chunkNumber < 1 || chunkNumber > len(p.Chunks) {
		return
	}
	if p.Chunks[chunkNumber-1].Uploaded {
		return
	}
	p.Chunks[chunkNumber-1].Received = received
	m.recalculate(p)
	m.notify(id, p)
}

// UpdateChunk 标记分片写入完成或失效
func (m *Manager) UpdateChunk(id string, chunkNumber int, uploaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progresses[id]
	if !ok || chunkNumber < 1 || chunkNumber > len(p.Chunks) {
		return
	}
	c := &p.Chunks[chunkNumber-1]
	c.Uploaded = uploaded
	if uploaded {
		c.Received = c.ChunkSize
	} else {
		c.Received = 0
	}
	m.recalculate(p)
	m.notify(id, p)
}

func (m *Manager) recalculate(p *Progress) {
	var total int64
	for _, c := range p.Chunks {
		total += c.Received
	}

	now := time.Now()
	if d := now.Sub(p.UpdateTime).Seconds(); d > 0 && total > p.Uploaded {
		p.Speed = int64(float64(total-p.Uploaded) / d)
	}
	p.Uploaded = total
	p.UpdateTime = now
	if p.Total > 0 {
		p.Percentage = float64(total) / float64(p.Total) * 100
	}
}

// 通知订阅者，慢订阅者直接丢弃本次更新
func (m *Manager) notify(id string, p *Progress) {
	snapshot := p.snapshot()
	for ch := range m.subscribers[id] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (p *Progress) snapshot() Progress {
	cp := *p
	cp.Chunks = append([]ChunkInfo(nil), p.Chunks...)
	return cp
}

func (m *Manager) Finish(id string) {
	m.mu.Lock()
	if p, ok := m.progresses[id]; ok {
		p.Status = StatusCompleted
		p.Percentage = 100
		p.Uploaded = p.Total
		m.notify(id, p)
	}
	m.mu.Unlock()

	// 延迟删除进度信息，让客户端有时间接收完成状态
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.progresses, id)
		if subs, ok := m.subscribers[id]; ok {
			for ch := range subs {
				close(ch)
			}
			delete(m.subscribers, id)
		}
	})
}

func (m *Manager) Fail(id string, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.progresses[id]; ok {
		p.Status = StatusFailed
		p.Message = errorMsg
		m.notify(id, p)
	}
}

func (m *Manager) Get(id string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progresses[id]
	if !ok {
		return Progress{}, false
	}
	return p.snapshot(), true
}

func (m *Manager) Subscribe(id string) chan Progress {
	ch := make(chan Progress, 10)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[id]; !ok {
		m.subscribers[id] = make(map[chan Progress]struct{})
	}
	m.subscribers[id][ch] = struct{}{}
	if p, ok := m.progresses[id]; ok {
		ch <- p.snapshot()
	}
	return ch
}

func (m *Manager) Unsubscribe(id string, ch chan Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[id]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, id)
		}
	}
}
