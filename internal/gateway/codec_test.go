package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic string
		kind  TopicKind
		id    string
		ok    bool
	}{
		{"device/B8:F8:62:F9:CF:B8/status", TopicStatus, "B8:F8:62:F9:CF:B8", true},
		{"ESP32CAM/B8:F8:62:F9:CF:B8/data", TopicData, "B8:F8:62:F9:CF:B8", true},
		{"device/abc/cmd_ack", TopicCommandAck, "abc", true},
		{"device/abc/cmd", "", "", false},
		{"device//status", "", "", false},
		{"ESP32CAM/abc/status", "", "", false},
		{"device/abc/status/extra", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			kind, id, err := ParseTopic(tc.topic)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrUnknownTopic)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.id, id)
		})
	}
	assert.Equal(t, "device/abc/cmd", CommandTopic("abc"))
	assert.Equal(t, "device/abc/ack", AckTopic("abc"))
}

func TestDecodeData_Metadata(t *testing.T) {
	raw := []byte(`{
		"device_id": "dev-1",
		"capture_timestamp": "2024-06-01T10:00:00.123456Z",
		"image_name": "image_1.jpg",
		"image_size": 20000,
		"max_chunk_size": 8192,
		"total_chunks_count": 3,
		"location": "Test Location",
		"error": 0,
		"temperature": 72.5,
		"humidity": 40.1,
		"pressure": 1013.25,
		"gas_resistance": 15.2
	}`)
	v, err := DecodeData("dev-1", raw)
	require.NoError(t, err)
	m, ok := v.(*MetadataMessage)
	require.True(t, ok)
	assert.Equal(t, 3, m.Total())
	assert.Equal(t, "image_1.jpg", m.ImageName)
	assert.Equal(t, 72.5, *m.Temperature)
	assert.Nil(t, m.Battery)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 123456000, time.UTC), m.CapturedAt(time.Time{}))

	legacy, err := DecodeData("dev-1", []byte(`{"image_name":"a.jpg","total_chunk_count":7,"capture_timestamp":"bogus"}`))
	require.NoError(t, err)
	lm := legacy.(*MetadataMessage)
	assert.Equal(t, 7, lm.Total())
	assert.Equal(t, "dev-1", lm.DeviceID, "缺省设备ID取主题")
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fallback, lm.CapturedAt(fallback))
}

func TestDecodeData_ChunkPayloadForms(t *testing.T) {
	v, err := DecodeData("dev-1", []byte(`{"device_id":"dev-1","image_name":"a.jpg","chunk_id":2,"max_chunk_size":4,"payload":[255,0,17]}`))
	require.NoError(t, err)
	c := v.(*ChunkMessage)
	assert.Equal(t, 2, c.ChunkID)
	assert.Equal(t, ChunkBytes{255, 0, 17}, c.Payload)

	v, err = DecodeData("dev-1", []byte(`{"image_name":"a.jpg","chunk_id":0,"payload":"/wAR"}`))
	require.NoError(t, err)
	assert.Equal(t, ChunkBytes{255, 0, 17}, v.(*ChunkMessage).Payload)

	_, err = DecodeData("dev-1", []byte(`{"chunk_id":0,"payload":[256]}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeData("dev-1", []byte(`{"chunk_id":-1,"payload":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeData_Rejects(t *testing.T) {
	_, err := DecodeData("dev-1", []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeData("dev-1", []byte(`{"image_name":"a.jpg"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeData("dev-1", []byte(`{"device_id":"dev-2","chunk_id":0,"payload":[]}`))
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestDecodeStatusAndAck(t *testing.T) {
	s, err := DecodeStatus("AA:BB", []byte(`{"device_id":"aa:bb","status":"alive","pendingImg":4}`))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", s.DeviceID)
	assert.Equal(t, 4, s.PendingImages)

	a, err := DecodeCommandAck([]byte(`{"command_id":"c-1","status":"ok"}`))
	require.NoError(t, err)
	assert.True(t, a.OK())
	a, err = DecodeCommandAck([]byte(`{"command_id":"c-1","status":"error","error":"no sd card"}`))
	require.NoError(t, err)
	assert.False(t, a.OK())
	_, err = DecodeCommandAck([]byte(`{"status":"ok"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeAcks(t *testing.T) {
	raw, err := EncodeAckOK("image_1.jpg", time.Date(2024, 6, 1, 20, 0, 0, 0, time.FixedZone("CST", 8*3600)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ACK_OK":{"image_name":"image_1.jpg","next_wake_time":"2024-06-01T12:00:00Z"}}`, string(raw))

	raw, err = EncodeMissing("image_1.jpg", []int{3, 7})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, []any{3.0, 7.0}, m["missing_chunks"])
	assert.Equal(t, "image_1.jpg", m["image_name"])
}
