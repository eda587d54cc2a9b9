package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/wake-gateway/internal/retry"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failN   int
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (s *memStore) Put(_ context.Context, obj Object, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return "", errors.New("disk full")
	}
	s.puts++
	s.objects[obj.TransferID] = append([]byte(nil), data...)
	return obj.DeviceID + "/" + obj.TransferID, nil
}

type recordingSink struct {
	mu         sync.Mutex
	retransmit []RetransmitRequest
	completed  []Completed
	failed     []Failed
}

func (s *recordingSink) RequestRetransmit(_ context.Context, req RetransmitRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retransmit = append(s.retransmit, req)
}

func (s *recordingSink) TransferCompleted(_ context.Context, c Completed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, c)
}

func (s *recordingSink) TransferFailed(_ context.Context, f Failed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, f)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func setup(t *testing.T) (*Reassembler, *memStore, *recordingSink, *fakeClock) {
	t.Helper()
	store := newMemStore()
	sink := &recordingSink{}
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	r := New(store, sink,
		WithNow(clock.Now),
		WithInactivity(10*time.Second),
		WithPolicy(retry.Policy{MaxRetries: 3}),
	)
	return r, store, sink, clock
}

func makeChunks(rng *rand.Rand, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		b := make([]byte, 1+rng.Intn(64))
		rng.Read(b)
		out[i] = b
	}
	return out
}

func meta(device, image string, total int) Metadata {
	return Metadata{DeviceID: device, ImageName: image, TotalChunks: total, PayloadID: 42}
}

func TestReassembler_PermutationsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		total := 1 + rng.Intn(20)
		chunks := makeChunks(rng, total)
		want := bytes.Join(chunks, nil)

		// 乱序 + 随机重复
		order := rng.Perm(total)
		for i := 0; i < total; i++ {
			if rng.Intn(3) == 0 {
				order = append(order, rng.Intn(total))
			}
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		r, store, sink, _ := setup(t)
		// 部分分片先于元数据到达
		early := rng.Intn(len(order) + 1)
		for _, idx := range order[:early] {
			require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", idx, chunks[idx]))
		}
		id, err := r.Begin(ctx, meta("dev-1", "img.jpg", total))
		require.NoError(t, err)
		for _, idx := range order[early:] {
			require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", idx, chunks[idx]))
		}
		// 完成后重复末片
		require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", total-1, chunks[total-1]))

		assert.Equal(t, 1, store.puts, "seed=%d 只落盘一次", seed)
		require.Len(t, sink.completed, 1, "seed=%d", seed)
		assert.Equal(t, want, store.objects[id], "seed=%d 字节一致", seed)
		assert.Equal(t, len(want), sink.completed[0].Size)
		assert.Empty(t, sink.failed)

		info, ok := r.Get("dev-1")
		require.True(t, ok)
		assert.Equal(t, StateComplete, info.State)
	}
}

func TestReassembler_MissingChunksSingleRequest(t *testing.T) {
	ctx := context.Background()
	r, store, sink, clock := setup(t)

	_, err := r.Begin(ctx, meta("dev-1", "img.jpg", 10))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		if i == 3 || i == 7 {
			continue
		}
		require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", i, []byte{byte(i)}))
	}

	require.Len(t, sink.retransmit, 1)
	assert.Equal(t, []int{3, 7}, sink.retransmit[0].Missing)
	assert.Equal(t, 1, sink.retransmit[0].Attempt)
	assert.Equal(t, int64(42), sink.retransmit[0].PayloadID)

	// 计时已重置，超时前不会再次请求
	r.Sweep(ctx, clock.Advance(5*time.Second))
	assert.Len(t, sink.retransmit, 1)

	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 7, []byte{7}))
	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 3, []byte{3}))
	require.Len(t, sink.completed, 1)
	assert.Equal(t, 1, sink.completed[0].Retries)
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, store.objects[sink.completed[0].TransferID])
}

func TestReassembler_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	r, store, sink, clock := setup(t)

	_, err := r.Begin(ctx, meta("dev-1", "img.jpg", 5))
	require.NoError(t, err)
	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 0, []byte{0}))
	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 1, []byte{1}))

	for i := 0; i < 3; i++ {
		r.Sweep(ctx, clock.Advance(11*time.Second))
	}
	require.Len(t, sink.retransmit, 3)
	assert.Equal(t, []int{2, 3, 4}, sink.retransmit[2].Missing)
	assert.Empty(t, sink.failed)

	r.Sweep(ctx, clock.Advance(11*time.Second))
	require.Len(t, sink.failed, 1)
	assert.Equal(t, []int{2, 3, 4}, sink.failed[0].Missing)
	assert.Equal(t, int64(42), sink.failed[0].PayloadID)
	assert.Len(t, sink.retransmit, 3, "失败后不再请求补传")

	err = r.AddChunk(ctx, "dev-1", "img.jpg", 2, []byte{2})
	assert.ErrorIs(t, err, ErrTransferClosed)
	assert.Zero(t, store.puts)
	assert.Zero(t, r.Active())

	// 关闭的传输在静默期后被回收
	r.Sweep(ctx, clock.Advance(11*time.Second))
	_, ok := r.Get("dev-1")
	assert.False(t, ok)
}

func TestReassembler_DuplicateFinalChunkDoesNotBurnRetries(t *testing.T) {
	ctx := context.Background()
	r, _, sink, _ := setup(t)

	_, err := r.Begin(ctx, meta("dev-1", "img.jpg", 3))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 2, []byte{2}))
	}
	assert.Len(t, sink.retransmit, 1)
	assert.Equal(t, []int{0, 1}, sink.retransmit[0].Missing)
}

func TestReassembler_PersistFailureRetriedBySweep(t *testing.T) {
	ctx := context.Background()
	r, store, sink, clock := setup(t)
	store.failN = 1

	_, err := r.Begin(ctx, meta("dev-1", "img.jpg", 2))
	require.NoError(t, err)
	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 0, []byte("ab")))
	err = r.AddChunk(ctx, "dev-1", "img.jpg", 1, []byte("cd"))
	require.Error(t, err)
	assert.Empty(t, sink.completed)

	r.Sweep(ctx, clock.Advance(11*time.Second))
	require.Len(t, sink.completed, 1)
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, []byte("abcd"), store.objects[sink.completed[0].TransferID])
}

func TestReassembler_NewImageSupersedesInFlight(t *testing.T) {
	ctx := context.Background()
	r, _, sink, _ := setup(t)

	first, err := r.Begin(ctx, meta("dev-1", "a.jpg", 4))
	require.NoError(t, err)
	require.NoError(t, r.AddChunk(ctx, "dev-1", "a.jpg", 0, []byte{0}))

	again, err := r.Begin(ctx, meta("dev-1", "a.jpg", 4))
	require.NoError(t, err)
	assert.Equal(t, first, again, "重复元数据幂等")

	second, err := r.Begin(ctx, meta("dev-1", "b.jpg", 1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	require.Len(t, sink.failed, 1)
	assert.Equal(t, first, sink.failed[0].TransferID)
	assert.Equal(t, []int{1, 2, 3}, sink.failed[0].Missing)

	err = r.AddChunk(ctx, "dev-1", "a.jpg", 1, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	require.NoError(t, r.AddChunk(ctx, "dev-1", "b.jpg", 0, []byte{9}))
	require.Len(t, sink.completed, 1)
	assert.Equal(t, "b.jpg", sink.completed[0].ImageName)
}

func TestReassembler_OrphanChunksDropped(t *testing.T) {
	ctx := context.Background()
	r, store, sink, clock := setup(t)

	require.NoError(t, r.AddChunk(ctx, "dev-1", "img.jpg", 0, []byte{0}))
	assert.Equal(t, 1, r.Active())

	r.Sweep(ctx, clock.Advance(39*time.Second))
	_, ok := r.Get("dev-1")
	assert.True(t, ok)

	r.Sweep(ctx, clock.Advance(time.Second))
	_, ok = r.Get("dev-1")
	assert.False(t, ok)
	assert.Zero(t, store.puts)
	assert.Empty(t, sink.failed, "没有元数据的分片不产生失败记录")
}

func TestReassembler_InvalidInput(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := setup(t)

	_, err := r.Begin(ctx, Metadata{DeviceID: "dev-1", ImageName: "x", TotalChunks: 0})
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	_, err = r.Begin(ctx, Metadata{DeviceID: " ", ImageName: "x", TotalChunks: 2})
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = r.Begin(ctx, meta("dev-1", "img.jpg", 2))
	require.NoError(t, err)
	assert.ErrorIs(t, r.AddChunk(ctx, "dev-1", "img.jpg", 2, nil), ErrChunkOutOfRange)
	assert.ErrorIs(t, r.AddChunk(ctx, "dev-1", "img.jpg", -1, nil), ErrChunkOutOfRange)
}

func TestReassembler_ValidateHasNoSideEffects(t *testing.T) {
	r := New(newMemStore(), &recordingSink{}, WithMaxChunks(8))

	assert.NoError(t, r.Validate(meta("dev-1", "img.jpg", 8)))
	assert.ErrorIs(t, r.Validate(meta("dev-1", "img.jpg", 9)), ErrInvalidMetadata)
	assert.ErrorIs(t, r.Validate(Metadata{DeviceID: "dev-1", TotalChunks: 1}), ErrInvalidMetadata)
	assert.Zero(t, r.Active(), "校验不应创建传输")
}

func TestReassembler_ConcurrentDevices(t *testing.T) {
	ctx := context.Background()
	r, store, sink, _ := setup(t)

	var wg sync.WaitGroup
	for d := 0; d < 16; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			dev := string(rune('A' + d))
			_, err := r.Begin(ctx, meta(dev, "img.jpg", 8))
			assert.NoError(t, err)
			for i := 7; i >= 0; i-- {
				assert.NoError(t, r.AddChunk(ctx, dev, "img.jpg", i, []byte{byte(d), byte(i)}))
			}
		}(d)
	}
	wg.Wait()

	assert.Equal(t, 16, store.puts)
	assert.Len(t, sink.completed, 16)
	assert.Zero(t, r.Active())
}
