package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func TestDecodePosition(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(int32(525200000)))
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	lon := int32(-1340000)
	b = protowire.AppendFixed32(b, uint32(lon))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, 34)
	b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 1700000000)

	pos, err := DecodePosition(b)
	require.NoError(t, err)
	assert.InDelta(t, 52.52, pos.Latitude, 1e-9)
	assert.InDelta(t, -0.134, pos.Longitude, 1e-9)
	assert.Equal(t, int32(34), pos.Altitude)
	assert.Equal(t, uint32(1700000000), pos.Time)
}

func TestDecodePosition_WrongType(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	_, err := DecodePosition(b)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeTelemetry_Device(t *testing.T) {
	var dm []byte
	dm = protowire.AppendTag(dm, 1, protowire.VarintType)
	dm = protowire.AppendVarint(dm, 87)
	dm = appendFloat(dm, 2, 4.1)
	dm = appendFloat(dm, 3, 12.5)
	dm = appendFloat(dm, 4, 1.5)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 42)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, dm)

	tel, err := DecodeTelemetry(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), tel.Time)
	require.NotNil(t, tel.Device)
	assert.Nil(t, tel.Environment)
	assert.Equal(t, uint32(87), tel.Device.BatteryLevel)
	assert.InDelta(t, 4.1, tel.Device.Voltage, 1e-6)
	assert.InDelta(t, 12.5, tel.Device.ChannelUtilization, 1e-6)
	assert.InDelta(t, 1.5, tel.Device.AirUtilTx, 1e-6)
}

func TestDecodeTelemetry_Environment(t *testing.T) {
	var em []byte
	em = appendFloat(em, 1, 21.5)
	em = appendFloat(em, 2, 40)
	em = appendFloat(em, 3, 1013.2)

	var b []byte
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, em)

	tel, err := DecodeTelemetry(b)
	require.NoError(t, err)
	require.NotNil(t, tel.Environment)
	assert.InDelta(t, 21.5, tel.Environment.Temperature, 1e-6)
	assert.InDelta(t, 40, tel.Environment.RelativeHumidity, 1e-6)
	assert.InDelta(t, 1013.2, tel.Environment.BarometricPressure, 1e-3)
}

func TestDecodeTelemetry_Truncated(t *testing.T) {
	b := []byte{0x12, 0x05, 0x08}

	_, err := DecodeTelemetry(b)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeUser(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "!0000007b")
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "Base Station")
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, "BASE")
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, 43)

	u, err := DecodeUser(b)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: "!0000007b", LongName: "Base Station", ShortName: "BASE", HWModel: 43}, u)
}
