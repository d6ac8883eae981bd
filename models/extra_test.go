package models

import (
	"testing"

	"attribution/json"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtraKeepsInsertionOrder(t *testing.T) {
	e := NewExtra()
	e.Set("os", "Android")
	e.Set("screen_width", 1080)
	e.Set("bot", false)
	e.Set("os", "iOS")

	assert.Equal(t, []string{"os", "screen_width", "bot"}, e.Keys())
	v, ok := e.Get("os")
	require.True(t, ok)
	assert.Equal(t, "iOS", v)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, `{"os":"iOS","screen_width":1080,"bot":false}`, string(b))
}

func TestExtraDecodePreservesOrder(t *testing.T) {
	var e Extra
	require.NoError(t, json.Unmarshal([]byte(`{"z":"1","a":2,"m":true}`), &e))

	assert.Equal(t, []string{"z", "a", "m"}, e.Keys())
	v, _ := e.Get("a")
	assert.Equal(t, float64(2), v)
}

func TestExtraDecodeRejectsNonObject(t *testing.T) {
	var e Extra
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &e))
}

func TestExtraSetIfAbsentAndClone(t *testing.T) {
	e := NewExtra()
	e.Set("device_id", "caller")
	c := e.Clone()
	c.SetIfAbsent("device_id", "default")
	c.SetIfAbsent("session_id", "s-1")

	v, _ := c.Get("device_id")
	assert.Equal(t, "caller", v)
	assert.Equal(t, 1, e.Len(), "clone must not write through")
	assert.Equal(t, 2, c.Len())
}

func TestEventRoundTripKeepsExtra(t *testing.T) {
	extra := NewExtra()
	extra.Set("os", "Android")
	extra.Set("language", "en")
	ev := Event{
		EventType: EventTypeShortLinkClick,
		ShortLink: "https://ih.example/promo1",
		DeviceID:  "dev-1",
		SessionID: "sess-1",
		Timestamp: 1700000000000,
		Extra:     extra,
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, ev.ShortLink, decoded.ShortLink)
	assert.Equal(t, ev.Timestamp, decoded.Timestamp)
	assert.Equal(t, []string{"os", "language"}, decoded.Extra.Keys())
}
