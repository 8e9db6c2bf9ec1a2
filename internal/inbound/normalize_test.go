package inbound

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestNormalizePhoneCanonicalForm(t *testing.T) {
	a := NormalizePhone("11 99999-8888")
	b := NormalizePhone("+5511999998888")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, "+5511999998888", *a)
	assert.Equal(t, *a, *b)

	assert.Equal(t, "+5511999998888", *NormalizePhone("5511999998888@s.whatsapp.net"))
	assert.Equal(t, "+5511999998888", *NormalizePhone("5511999998888:12@s.whatsapp.net"))
	assert.Equal(t, "+442079460958", *NormalizePhone("+44 20 7946 0958"))
	assert.Nil(t, NormalizePhone(""))
	assert.Nil(t, NormalizePhone("n/a"))
}

func TestNormalizePhoneProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("output is + followed by digits only", prop.ForAll(
		func(s string) bool {
			out := NormalizePhone(s)
			if out == nil {
				return true
			}
			if !strings.HasPrefix(*out, "+") || len(*out) < 2 {
				return false
			}
			for _, r := range (*out)[1:] {
				if r < '0' || r > '9' {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := NormalizePhone(s)
			if once == nil {
				return true
			}
			twice := NormalizePhone(*once)
			return twice != nil && *twice == *once
		},
		gen.NumString(),
	))

	properties.Property("formatting punctuation does not change the key", prop.ForAll(
		func(digits string) bool {
			if digits == "" {
				return true
			}
			plain := NormalizePhone(digits)
			dressed := NormalizePhone("(" + digits[:1] + ") " + digits[1:] + "-")
			return plain != nil && dressed != nil && *plain == *dressed
		},
		gen.NumString(),
	))

	properties.TestingRun(t)
}

func TestClassifyType(t *testing.T) {
	assert.Equal(t, TypeImage, ClassifyType("imageMessage"))
	assert.Equal(t, TypeImage, ClassifyType("PHOTO"))
	assert.Equal(t, TypeAudio, ClassifyType("ptt"))
	assert.Equal(t, TypeAudio, ClassifyType("audioMessage"))
	assert.Equal(t, TypeLocation, ClassifyType("locationMessage"))
	assert.Equal(t, TypeText, ClassifyType("ReceivedCallback"))
	assert.Equal(t, TypeText, ClassifyType(""))
}

func TestNormalizeFlatImagePayload(t *testing.T) {
	ev, err := Normalize(decode(t, `{
		"instanceId": "inst-1",
		"messageId": "3EB0AA",
		"type": "ReceivedCallback",
		"phone": "5511999998888",
		"connectedPhone": "551130000000",
		"senderName": "Ana",
		"image": {"imageUrl": "https://cdn.example/p.jpg", "caption": "pedido 12"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "inst-1", ev.InstanceID)
	assert.Equal(t, "3EB0AA", ev.MessageID)
	assert.Equal(t, TypeImage, ev.Type)
	require.NotNil(t, ev.From)
	assert.Equal(t, "+5511999998888", *ev.From)
	assert.Equal(t, "Ana", ev.SenderName)
	assert.Equal(t, "pedido 12", ev.Text)
	assert.Equal(t, "https://cdn.example/p.jpg", ev.MediaURL)
	assert.Nil(t, ev.Location)
}

func TestNormalizeNestedLocationPayload(t *testing.T) {
	ev, err := Normalize(decode(t, `{
		"instance": "inst-2",
		"data": {
			"key": {"remoteJid": "5511988887777@s.whatsapp.net", "id": "BAE5"},
			"pushName": "Bruno",
			"messageType": "locationMessage",
			"message": {"locationMessage": {"degreesLatitude": -23.55, "degreesLongitude": "-46.63"}}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "inst-2", ev.InstanceID)
	assert.Equal(t, "BAE5", ev.MessageID)
	assert.Equal(t, TypeLocation, ev.Type)
	assert.Equal(t, "+5511988887777", *ev.From)
	require.NotNil(t, ev.Location)
	assert.InDelta(t, -23.55, ev.Location.Lat, 1e-9)
	assert.InDelta(t, -46.63, ev.Location.Lng, 1e-9)
}

func TestNormalizeDefaultsToText(t *testing.T) {
	ev, err := Normalize(decode(t, `{"instance_id": "inst-3", "from": "11 97777-6666", "body": "ok"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeText, ev.Type)
	assert.Equal(t, "ok", ev.Text)
	assert.Equal(t, "", ev.MessageID)
}

func TestNormalizeMissingInstance(t *testing.T) {
	ev, err := Normalize(decode(t, `{"phone": "5511999998888", "text": {"message": "oi"}}`))
	assert.ErrorIs(t, err, ErrNoInstance)
	assert.Equal(t, "oi", ev.Text)
}

func TestNormalizeLocationNeedsBothCoordinates(t *testing.T) {
	ev, err := Normalize(decode(t, `{"instanceId": "i", "type": "location", "location": {"latitude": -23.5}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLocation, ev.Type)
	assert.Nil(t, ev.Location)
}
