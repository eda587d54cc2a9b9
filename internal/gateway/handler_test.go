package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/wake-gateway/internal/device"
	"github.com/taoyao-code/wake-gateway/internal/eventbus"
	"github.com/taoyao-code/wake-gateway/internal/presence"
	"github.com/taoyao-code/wake-gateway/internal/storage/files"
	"github.com/taoyao-code/wake-gateway/internal/transfer"
	"github.com/taoyao-code/wake-gateway/internal/wakesession"
)

var (
	base     = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	nextWake = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
)

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]device.Device
	wakes   []time.Time
}

func (f *fakeDevices) Get(_ context.Context, id string) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return device.Device{}, device.ErrNotFound
	}
	return d, nil
}

func (f *fakeDevices) Touch(_ context.Context, id string, now time.Time, pending int) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		d = device.Device{ID: id, Status: device.StatusPendingMapping}
	}
	d.LastSeenAt = &now
	d.PendingImages = pending
	f.devices[id] = d
	return d, nil
}

func (f *fakeDevices) RecordWake(_ context.Context, id string, at time.Time) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, at)
	return nextWake, nil
}

func (f *fakeDevices) NextWake(device.Device, time.Time) time.Time { return nextWake }

type fakeSessions struct {
	mu      sync.Mutex
	outcome wakesession.Outcome
	events  []wakesession.WakeEvent
	ensured int
}

func (f *fakeSessions) EnsureSession(_ context.Context, m wakesession.Member, at time.Time) (wakesession.Session, wakesession.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return wakesession.Session{ID: 7, SiteID: m.SiteID}, wakesession.Assignment{SessionID: 7, DeviceID: m.DeviceID}, nil
}

func (f *fakeSessions) Classify(_ context.Context, _ wakesession.Member, ev wakesession.WakeEvent) (wakesession.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.outcome, nil
}

type fakeCommands struct {
	mu       sync.Mutex
	presence []string
	acks     []string
}

func (f *fakeCommands) OnPresence(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, id)
	return 0, nil
}

func (f *fakeCommands) Acknowledge(_ context.Context, id, cmdID string, ok bool, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, fmt.Sprintf("%s:%s:%v:%s", id, cmdID, ok, reason))
	return true, nil
}

type fakePayloads struct {
	mu         sync.Mutex
	rows       map[int64]*Payload
	nextID     int64
	transfers  map[string]int64
	heartbeats int
}

func newFakePayloads() *fakePayloads {
	return &fakePayloads{rows: map[int64]*Payload{}, transfers: map[string]int64{}}
}

func (f *fakePayloads) CreatePayload(_ context.Context, p Payload) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.rows {
		if row.DeviceID == p.DeviceID && row.ImageName == p.ImageName && row.CapturedAt.Equal(p.CapturedAt) {
			return id, nil
		}
	}
	f.nextID++
	p.ID = f.nextID
	f.rows[p.ID] = &p
	return p.ID, nil
}

func (f *fakePayloads) GetPayload(_ context.Context, id int64) (Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return Payload{}, fmt.Errorf("payload %d not found", id)
	}
	return *p, nil
}

func (f *fakePayloads) SaveTransfer(_ context.Context, id string, payloadID int64, _, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[id] = payloadID
	return nil
}

func (f *fakePayloads) CompletePayload(_ context.Context, c transfer.Completed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[c.PayloadID].Status = PayloadComplete
	f.rows[c.PayloadID].ImageRef = c.StorageRef
	return nil
}

func (f *fakePayloads) FailPayload(_ context.Context, fl transfer.Failed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[fl.PayloadID].Status = PayloadFailed
	return nil
}

func (f *fakePayloads) MarkOverage(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Overage = true
	return nil
}

func (f *fakePayloads) RecordHeartbeat(context.Context, string, time.Time, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePub struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePub) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, payload})
	return nil
}

func (f *fakePub) last(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.msgs)
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.msgs[len(f.msgs)-1].payload, &m))
	return m
}

type rig struct {
	handler  *Handler
	devices  *fakeDevices
	sessions *fakeSessions
	commands *fakeCommands
	payloads *fakePayloads
	pub      *fakePub
	presence *presence.Manager
	reasm    *transfer.Reassembler
	store    *files.Store
	events   []eventbus.Event
	mu       sync.Mutex
	clock    time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store, err := files.NewStore(t.TempDir())
	require.NoError(t, err)
	r := &rig{
		devices: &fakeDevices{devices: map[string]device.Device{
			"dev-1": {ID: "dev-1", Status: device.StatusActive, SiteID: 3, Timezone: "UTC", Schedule: "0 * * * *"},
			"dev-2": {ID: "dev-2", Status: device.StatusPendingMapping},
		}},
		sessions: &fakeSessions{outcome: wakesession.OutcomeCompleted},
		commands: &fakeCommands{},
		payloads: newFakePayloads(),
		pub:      &fakePub{},
		presence: presence.New(presence.DefaultTimeout),
		store:    store,
		clock:    base,
	}
	now := func() time.Time {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.clock
	}
	bus := eventbus.New(0)
	_, err = bus.Subscribe(func(ev eventbus.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	require.NoError(t, err)

	sink := NewSink(SinkDeps{
		Devices: r.devices, Sessions: r.sessions, Payloads: r.payloads,
		Pub: r.pub, Bus: bus, Now: now,
	})
	r.reasm = transfer.New(store, sink, transfer.WithNow(now))
	r.handler = NewHandler(HandlerDeps{
		Devices: r.devices, Sessions: r.sessions, Transfers: r.reasm,
		Commands: r.commands, Payloads: r.payloads, Presence: r.presence, Now: now,
	})
	return r
}

func (r *rig) send(t *testing.T, topic string, v any) error {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = r.handler.Handle(context.Background(), "", Message{Topic: topic, Payload: raw})
	return err
}

func metadata(name string, total int) map[string]any {
	return map[string]any{
		"device_id":          "dev-1",
		"capture_timestamp":  "2024-06-01T09:00:05.5Z",
		"image_name":         name,
		"image_size":         total * 2,
		"max_chunk_size":     2,
		"total_chunks_count": total,
		"temperature":        21.5,
	}
}

func chunk(name string, id int, data ...int) map[string]any {
	return map[string]any{"device_id": "dev-1", "image_name": name, "chunk_id": id, "payload": data}
}

func TestHandler_StatusMarksPresenceAndDrainsCommands(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.send(t, "device/dev-9/status", map[string]any{"device_id": "dev-9", "status": "alive", "pendingImg": 2}))

	assert.True(t, r.presence.IsOnline("dev-9", base))
	assert.Equal(t, []string{"dev-9"}, r.commands.presence)
	assert.Equal(t, 1, r.payloads.heartbeats)
	d := r.devices.devices["dev-9"]
	assert.Equal(t, device.StatusPendingMapping, d.Status, "未知设备自动登记")
	assert.Equal(t, 2, d.PendingImages)
}

func TestHandler_FullTransferAcksWithNextWake(t *testing.T) {
	r := newRig(t)
	topic := "ESP32CAM/dev-1/data"
	require.NoError(t, r.send(t, topic, metadata("image_1.jpg", 3)))
	require.NoError(t, r.send(t, topic, chunk("image_1.jpg", 2, 5, 6)))
	require.NoError(t, r.send(t, topic, chunk("image_1.jpg", 0, 1, 2)))
	require.NoError(t, r.send(t, topic, chunk("image_1.jpg", 1, 3, 4)))

	ack := r.pub.last(t)
	require.Contains(t, ack, "ACK_OK")
	body := ack["ACK_OK"].(map[string]any)
	assert.Equal(t, "image_1.jpg", body["image_name"])
	assert.Equal(t, "2024-06-01T10:00:00Z", body["next_wake_time"])
	assert.Equal(t, "device/dev-1/ack", r.pub.msgs[len(r.pub.msgs)-1].topic)

	p := r.payloads.rows[1]
	assert.Equal(t, PayloadComplete, p.Status)
	assert.Equal(t, int64(7), p.SessionID)
	assert.Equal(t, 21.5, *p.Temperature)
	data, err := r.store.Open(p.ImageRef)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, data)

	require.Len(t, r.sessions.events, 1)
	ev := r.sessions.events[0]
	assert.True(t, ev.TransferOK)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 5, 500000000, time.UTC), ev.CapturedAt)
	assert.False(t, p.Overage)
	assert.Len(t, r.devices.wakes, 1)

	kinds := []eventbus.Kind{}
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []eventbus.Kind{eventbus.KindTransferCompleted, eventbus.KindWakeClassified}, kinds)
}

func TestHandler_FinalChunkWithGapRequestsMissing(t *testing.T) {
	r := newRig(t)
	topic := "ESP32CAM/dev-1/data"
	require.NoError(t, r.send(t, topic, metadata("image_2.jpg", 4)))
	require.NoError(t, r.send(t, topic, chunk("image_2.jpg", 0, 1)))
	require.NoError(t, r.send(t, topic, chunk("image_2.jpg", 3, 4)))

	msg := r.pub.last(t)
	assert.Equal(t, "image_2.jpg", msg["image_name"])
	assert.Equal(t, []any{1.0, 2.0}, msg["missing_chunks"])

	require.NoError(t, r.send(t, topic, chunk("image_2.jpg", 1, 2)))
	require.NoError(t, r.send(t, topic, chunk("image_2.jpg", 2, 3)))
	assert.Contains(t, r.pub.last(t), "ACK_OK")
}

func TestHandler_ExtraWakeMarksOverage(t *testing.T) {
	r := newRig(t)
	r.sessions.outcome = wakesession.OutcomeExtra
	topic := "ESP32CAM/dev-1/data"
	require.NoError(t, r.send(t, topic, metadata("image_3.jpg", 1)))
	require.NoError(t, r.send(t, topic, chunk("image_3.jpg", 0, 9)))
	assert.True(t, r.payloads.rows[1].Overage)
}

func TestHandler_UnmappedDeviceRejectedWithoutWrites(t *testing.T) {
	r := newRig(t)
	m := metadata("image_1.jpg", 2)
	m["device_id"] = "dev-2"
	err := r.send(t, "ESP32CAM/dev-2/data", m)
	assert.ErrorIs(t, err, device.ErrNotMapped)

	err = r.send(t, "ESP32CAM/dev-404/data", map[string]any{"image_name": "x.jpg", "total_chunks_count": 1})
	assert.ErrorIs(t, err, device.ErrNotMapped)

	assert.Empty(t, r.payloads.rows)
	assert.Zero(t, r.sessions.ensured)
	_, active := r.reasm.Get("dev-2")
	assert.False(t, active)
}

func TestHandler_OversizedTransferRejectedWithoutWrites(t *testing.T) {
	r := newRig(t)
	err := r.send(t, "ESP32CAM/dev-1/data", metadata("huge.jpg", 5000))
	assert.ErrorIs(t, err, transfer.ErrInvalidMetadata)

	assert.Empty(t, r.payloads.rows, "被拒绝的元数据不应写入载荷")
	assert.Zero(t, r.sessions.ensured, "被拒绝的元数据不应加入会话")
	_, active := r.reasm.Get("dev-1")
	assert.False(t, active)
}

func TestHandler_FailedTransferCountsAgainstSession(t *testing.T) {
	r := newRig(t)
	r.sessions.outcome = wakesession.OutcomeFailed
	topic := "ESP32CAM/dev-1/data"
	require.NoError(t, r.send(t, topic, metadata("image_4.jpg", 3)))
	require.NoError(t, r.send(t, topic, chunk("image_4.jpg", 0, 1)))
	// 新图像覆盖未完成的旧传输
	m := metadata("image_5.jpg", 1)
	m["capture_timestamp"] = "2024-06-01T09:10:00Z"
	require.NoError(t, r.send(t, topic, m))

	assert.Equal(t, PayloadFailed, r.payloads.rows[1].Status)
	require.Len(t, r.sessions.events, 1)
	assert.False(t, r.sessions.events[0].TransferOK)
	assert.Equal(t, int64(1), r.sessions.events[0].PayloadID)
}

func TestHandler_CommandAck(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.send(t, "device/dev-1/cmd_ack", map[string]any{"command_id": "c-1", "status": "ok"}))
	require.NoError(t, r.send(t, "device/dev-1/cmd_ack", map[string]any{"command_id": "c-2", "status": "error"}))
	assert.Equal(t, []string{"dev-1:c-1:true:", "dev-1:c-2:false:"}, r.commands.acks)
	assert.True(t, r.presence.IsOnline("dev-1", base))
}

func TestHandler_RejectsUnknownTopicAndGarbage(t *testing.T) {
	r := newRig(t)
	_, err := r.handler.Handle(context.Background(), "", Message{Topic: "device/dev-1/cmd", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownTopic)

	kind, err := r.handler.Handle(context.Background(), "", Message{Topic: "ESP32CAM/dev-1/data", Payload: []byte(`{oops`)})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, "unknown", kind)
	assert.False(t, r.presence.IsOnline("dev-1", base), "解析失败的消息不刷新在线")
}

func TestCommandPublisher(t *testing.T) {
	pub := &fakePub{}
	require.NoError(t, NewCommandPublisher(pub).PublishCommand(context.Background(), "dev-1", []byte(`{"ping":true}`)))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "device/dev-1/cmd", pub.msgs[0].topic)
	assert.True(t, strings.Contains(string(pub.msgs[0].payload), "ping"))
}
