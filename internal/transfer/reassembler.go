package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taoyao-code/wake-gateway/internal/retry"
	"go.uber.org/zap"
)

// State 传输状态机
type State string

const (
	StateAwaitingMetadata State = "awaiting_metadata"
	StateReceiving        State = "receiving"
	StateComplete         State = "complete"
	StateFailed           State = "failed"
)

var (
	ErrInvalidMetadata = errors.New("transfer: invalid metadata")
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
	ErrUnknownTransfer = errors.New("transfer: chunk does not belong to the active transfer")
	ErrTransferClosed  = errors.New("transfer: transfer already failed")
)

const (
	defaultInactivity = 10 * time.Second
	defaultMaxChunks  = 4096
)

// Metadata 图像元数据
type Metadata struct {
	DeviceID     string
	ImageName    string
	TotalChunks  int
	ImageSize    int
	MaxChunkSize int
	PayloadID    int64
	CapturedAt   time.Time
}

// Object 落盘对象描述
type Object struct {
	DeviceID   string
	TransferID string
	ImageName  string
	CapturedAt time.Time
}

// ObjectStore 组装完成后的对象存储；同一 TransferID 重复写入必须幂等
type ObjectStore interface {
	Put(ctx context.Context, obj Object, data []byte) (ref string, err error)
}

// RetransmitRequest 补传请求，只列出缺失分片
type RetransmitRequest struct {
	TransferID string
	DeviceID   string
	ImageName  string
	PayloadID  int64
	Missing    []int
	Attempt    int
}

// Completed 传输完成通知
type Completed struct {
	TransferID  string
	DeviceID    string
	ImageName   string
	PayloadID   int64
	StorageRef  string
	Size        int
	TotalChunks int
	Retries     int
}

// Failed 传输失败通知
type Failed struct {
	TransferID string
	DeviceID   string
	ImageName  string
	PayloadID  int64
	Missing    []int
	Reason     string
}

// Sink 传输事件接收方（网关实现：回 ACK、更新库表）
type Sink interface {
	RequestRetransmit(ctx context.Context, req RetransmitRequest)
	TransferCompleted(ctx context.Context, c Completed)
	TransferFailed(ctx context.Context, f Failed)
}

// Info 传输快照（只读）
type Info struct {
	ID          string
	DeviceID    string
	ImageName   string
	State       State
	TotalChunks int
	Received    int
	Retries     int
	PayloadID   int64
}

type transfer struct {
	mu sync.Mutex

	id         string
	deviceID   string
	imageName  string
	payloadID  int64
	capturedAt time.Time
	state      State
	total      int
	chunks     map[int][]byte
	retries    int
	lastActive time.Time
	storageRef string
}

// Reassembler 分片重组器：每台设备同一时刻至多一个在途传输
type Reassembler struct {
	slots sync.Map // deviceID -> *transfer

	store  ObjectStore
	sink   Sink
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time

	inactivity time.Duration
	maxChunks  int
}

// Option 配置项
type Option func(*Reassembler)

// WithInactivity 设置分片静默超时
func WithInactivity(d time.Duration) Option {
	return func(r *Reassembler) {
		if d > 0 {
			r.inactivity = d
		}
	}
}

// WithPolicy 设置补传重试策略（MaxRetries 为补传请求次数上限）
func WithPolicy(p retry.Policy) Option {
	return func(r *Reassembler) { r.policy = p }
}

// WithMaxChunks 设置单个对象允许的最大分片数
func WithMaxChunks(n int) Option {
	return func(r *Reassembler) {
		if n > 0 {
			r.maxChunks = n
		}
	}
}

// WithNow 注入时钟
func WithNow(now func() time.Time) Option {
	return func(r *Reassembler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(r *Reassembler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建重组器
func New(store ObjectStore, sink Sink, opts ...Option) *Reassembler {
	r := &Reassembler{
		store:      store,
		sink:       sink,
		policy:     retry.Policy{MaxRetries: 3},
		logger:     zap.NewNop(),
		now:        time.Now,
		inactivity: defaultInactivity,
		maxChunks:  defaultMaxChunks,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate 校验元数据是否可被接收，不改变任何状态
func (r *Reassembler) Validate(meta Metadata) error {
	if strings.TrimSpace(meta.DeviceID) == "" || meta.ImageName == "" {
		return fmt.Errorf("%w: device and image name required", ErrInvalidMetadata)
	}
	if meta.TotalChunks <= 0 || meta.TotalChunks > r.maxChunks {
		return fmt.Errorf("%w: total chunks %d", ErrInvalidMetadata, meta.TotalChunks)
	}
	return nil
}

// Begin 处理元数据消息，返回传输ID
func (r *Reassembler) Begin(ctx context.Context, meta Metadata) (string, error) {
	if err := r.Validate(meta); err != nil {
		return "", err
	}
	meta.DeviceID = strings.TrimSpace(meta.DeviceID)

	now := r.now()
	var abandoned *Failed

	for {
		val, loaded := r.slots.Load(meta.DeviceID)
		if !loaded {
			t := newTransfer(meta.DeviceID, meta.ImageName, now)
			t.applyMetadata(meta)
			if _, raced := r.slots.LoadOrStore(meta.DeviceID, t); raced {
				continue
			}
			r.logger.Debug("transfer started",
				zap.String("transfer_id", t.id),
				zap.String("device_id", meta.DeviceID),
				zap.String("image_name", meta.ImageName),
				zap.Int("total_chunks", meta.TotalChunks))
			return t.id, nil
		}

		t := val.(*transfer)
		t.mu.Lock()
		switch {
		case t.imageName == meta.ImageName && t.state == StateAwaitingMetadata:
			// 分片先于元数据到达
			t.applyMetadata(meta)
			t.lastActive = now
			id := t.id
			var done *Completed
			var err error
			if len(t.chunks) == t.total {
				done, err = r.finalizeLocked(ctx, t)
			}
			t.mu.Unlock()
			if done != nil {
				r.sink.TransferCompleted(ctx, *done)
			}
			return id, err
		case t.imageName == meta.ImageName && (t.state == StateReceiving || t.state == StateComplete):
			// 重复元数据，保持原状态
			if t.payloadID == 0 {
				t.payloadID = meta.PayloadID
			}
			id := t.id
			t.mu.Unlock()
			return id, nil
		}

		if t.state == StateReceiving || t.state == StateAwaitingMetadata {
			t.state = StateFailed
			abandoned = &Failed{
				TransferID: t.id,
				DeviceID:   t.deviceID,
				ImageName:  t.imageName,
				PayloadID:  t.payloadID,
				Missing:    t.missing(),
				Reason:     "superseded by new transfer",
			}
		}
		t.mu.Unlock()

		next := newTransfer(meta.DeviceID, meta.ImageName, now)
		next.applyMetadata(meta)
		if !r.slots.CompareAndSwap(meta.DeviceID, t, next) {
			abandoned = nil
			continue
		}
		if abandoned != nil && abandoned.PayloadID != 0 {
			r.logger.Warn("transfer superseded",
				zap.String("transfer_id", abandoned.TransferID),
				zap.String("device_id", abandoned.DeviceID),
				zap.Ints("missing", abandoned.Missing))
			r.sink.TransferFailed(ctx, *abandoned)
		}
		return next.id, nil
	}
}

// AddChunk 放置一个分片；重复索引覆盖（幂等）
func (r *Reassembler) AddChunk(ctx context.Context, deviceID, imageName string, index int, data []byte) error {
	deviceID = strings.TrimSpace(deviceID)
	if index < 0 || index >= r.maxChunks {
		return fmt.Errorf("%w: %d", ErrChunkOutOfRange, index)
	}
	now := r.now()

	var t *transfer
	for {
		val, _ := r.slots.LoadOrStore(deviceID, newTransfer(deviceID, imageName, now))
		t = val.(*transfer)
		t.mu.Lock()
		if imageName == "" || t.imageName == imageName {
			break
		}
		closed := t.state == StateComplete || t.state == StateFailed
		t.mu.Unlock()
		if !closed {
			return fmt.Errorf("%w: %s", ErrUnknownTransfer, imageName)
		}
		// 上一个传输已结束，新图像的分片先于元数据到达
		r.slots.CompareAndDelete(deviceID, t)
	}

	switch t.state {
	case StateComplete:
		// 完成后的重复分片（例如重复的末片），忽略
		t.mu.Unlock()
		return nil
	case StateFailed:
		t.mu.Unlock()
		return ErrTransferClosed
	}
	if t.total > 0 && index >= t.total {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d >= %d", ErrChunkOutOfRange, index, t.total)
	}

	_, dup := t.chunks[index]
	buf := make([]byte, len(data))
	copy(buf, data)
	t.chunks[index] = buf
	t.lastActive = now

	if t.state != StateReceiving {
		t.mu.Unlock()
		return nil
	}

	if len(t.chunks) == t.total {
		done, err := r.finalizeLocked(ctx, t)
		t.mu.Unlock()
		if done != nil {
			r.sink.TransferCompleted(ctx, *done)
		}
		return err
	}

	// 末片首次到达但仍有缺口：立即发起补传
	var req *RetransmitRequest
	var failed *Failed
	if index == t.total-1 && !dup {
		req, failed = r.gapCheckLocked(t, now)
	}
	t.mu.Unlock()
	r.emit(ctx, req, failed)
	return nil
}

// Sweep 检查静默超时的传输；由调度器周期调用
func (r *Reassembler) Sweep(ctx context.Context, now time.Time) {
	r.slots.Range(func(key, value any) bool {
		t := value.(*transfer)

		t.mu.Lock()
		idle := now.Sub(t.lastActive)
		var (
			req    *RetransmitRequest
			failed *Failed
			done   *Completed
			drop   bool
		)
		switch t.state {
		case StateReceiving:
			if idle < r.inactivity {
				break
			}
			if len(t.chunks) == t.total {
				// 之前落盘失败，重试收尾
				var err error
				done, err = r.finalizeLocked(ctx, t)
				if err != nil {
					failed = r.finalizeRetryLocked(t, now, err)
				}
				break
			}
			req, failed = r.gapCheckLocked(t, now)
		case StateAwaitingMetadata:
			if idle >= r.inactivity*time.Duration(r.policy.MaxRetries+1) {
				t.state = StateFailed
				drop = true
				r.logger.Warn("orphan chunks dropped, metadata never arrived",
					zap.String("device_id", t.deviceID),
					zap.String("image_name", t.imageName),
					zap.Int("chunks", len(t.chunks)))
			}
		case StateComplete, StateFailed:
			drop = idle >= r.inactivity
		}
		t.mu.Unlock()

		if done != nil {
			r.sink.TransferCompleted(ctx, *done)
		}
		r.emit(ctx, req, failed)
		if drop {
			r.slots.CompareAndDelete(key, t)
		}
		return true
	})
}

// Get 返回设备当前传输快照
func (r *Reassembler) Get(deviceID string) (Info, bool) {
	val, ok := r.slots.Load(deviceID)
	if !ok {
		return Info{}, false
	}
	t := val.(*transfer)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:          t.id,
		DeviceID:    t.deviceID,
		ImageName:   t.imageName,
		State:       t.state,
		TotalChunks: t.total,
		Received:    len(t.chunks),
		Retries:     t.retries,
		PayloadID:   t.payloadID,
	}, true
}

// Active 在途传输数量
func (r *Reassembler) Active() int {
	n := 0
	r.slots.Range(func(_, value any) bool {
		t := value.(*transfer)
		t.mu.Lock()
		if t.state == StateReceiving || t.state == StateAwaitingMetadata {
			n++
		}
		t.mu.Unlock()
		return true
	})
	return n
}

func (r *Reassembler) emit(ctx context.Context, req *RetransmitRequest, failed *Failed) {
	if req != nil {
		r.logger.Info("requesting missing chunks",
			zap.String("transfer_id", req.TransferID),
			zap.String("device_id", req.DeviceID),
			zap.Ints("missing", req.Missing),
			zap.Int("attempt", req.Attempt))
		r.sink.RequestRetransmit(ctx, *req)
	}
	if failed != nil {
		r.logger.Warn("transfer failed",
			zap.String("transfer_id", failed.TransferID),
			zap.String("device_id", failed.DeviceID),
			zap.String("reason", failed.Reason),
			zap.Ints("missing", failed.Missing))
		r.sink.TransferFailed(ctx, *failed)
	}
}

// gapCheckLocked 计算缺失分片，按重试策略生成补传请求或终止
func (r *Reassembler) gapCheckLocked(t *transfer, now time.Time) (*RetransmitRequest, *Failed) {
	missing := t.missing()
	if len(missing) == 0 {
		return nil, nil
	}
	if d := r.policy.Decide(t.retries, retry.Transient); !d.Retry {
		t.state = StateFailed
		t.lastActive = now
		return nil, &Failed{
			TransferID: t.id,
			DeviceID:   t.deviceID,
			ImageName:  t.imageName,
			PayloadID:  t.payloadID,
			Missing:    missing,
			Reason:     "retransmit budget exhausted",
		}
	}
	t.retries++
	t.lastActive = now
	return &RetransmitRequest{
		TransferID: t.id,
		DeviceID:   t.deviceID,
		ImageName:  t.imageName,
		PayloadID:  t.payloadID,
		Missing:    missing,
		Attempt:    t.retries,
	}, nil
}

func (r *Reassembler) finalizeRetryLocked(t *transfer, now time.Time, cause error) *Failed {
	if d := r.policy.Decide(t.retries, retry.Transient); d.Retry {
		t.retries++
		t.lastActive = now
		return nil
	}
	t.state = StateFailed
	return &Failed{
		TransferID: t.id,
		DeviceID:   t.deviceID,
		ImageName:  t.imageName,
		PayloadID:  t.payloadID,
		Reason:     "persist failed: " + cause.Error(),
	}
}

// finalizeLocked 按索引顺序拼接并落盘；状态为 complete 时直接返回，保证只写一次
func (r *Reassembler) finalizeLocked(ctx context.Context, t *transfer) (*Completed, error) {
	if t.state == StateComplete {
		return nil, nil
	}
	var buf bytes.Buffer
	for i := 0; i < t.total; i++ {
		buf.Write(t.chunks[i])
	}
	ref, err := r.store.Put(ctx, Object{
		DeviceID:   t.deviceID,
		TransferID: t.id,
		ImageName:  t.imageName,
		CapturedAt: t.capturedAt,
	}, buf.Bytes())
	if err != nil {
		r.logger.Error("persist assembled object failed",
			zap.String("transfer_id", t.id),
			zap.String("device_id", t.deviceID),
			zap.Error(err))
		return nil, fmt.Errorf("persist object: %w", err)
	}
	t.state = StateComplete
	t.storageRef = ref
	t.chunks = nil
	r.logger.Info("transfer complete",
		zap.String("transfer_id", t.id),
		zap.String("device_id", t.deviceID),
		zap.String("image_name", t.imageName),
		zap.Int("bytes", buf.Len()),
		zap.String("ref", ref))
	return &Completed{
		TransferID:  t.id,
		DeviceID:    t.deviceID,
		ImageName:   t.imageName,
		PayloadID:   t.payloadID,
		StorageRef:  ref,
		Size:        buf.Len(),
		TotalChunks: t.total,
		Retries:     t.retries,
	}, nil
}

func newTransfer(deviceID, imageName string, now time.Time) *transfer {
	return &transfer{
		id:         uuid.NewString(),
		deviceID:   deviceID,
		imageName:  imageName,
		state:      StateAwaitingMetadata,
		chunks:     make(map[int][]byte),
		lastActive: now,
	}
}

func (t *transfer) applyMetadata(meta Metadata) {
	t.total = meta.TotalChunks
	t.payloadID = meta.PayloadID
	t.capturedAt = meta.CapturedAt
	t.state = StateReceiving
	for idx := range t.chunks {
		if idx >= t.total {
			delete(t.chunks, idx)
		}
	}
}

func (t *transfer) missing() []int {
	if t.total <= 0 {
		return nil
	}
	out := make([]int, 0, t.total-len(t.chunks))
	for i := 0; i < t.total; i++ {
		if _, ok := t.chunks[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
