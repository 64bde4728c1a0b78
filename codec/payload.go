package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Position is the POSITION_APP payload.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
	Time      uint32  `json:"time,omitempty"`
}

// DeviceMetrics is the device variant of a TELEMETRY_APP payload.
type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds,omitempty"`
}

// EnvironmentMetrics is the environment variant of a TELEMETRY_APP payload.
type EnvironmentMetrics struct {
	Temperature        float32 `json:"temperature"`
	RelativeHumidity   float32 `json:"relative_humidity"`
	BarometricPressure float32 `json:"barometric_pressure"`
}

// Telemetry is the TELEMETRY_APP payload. At most one metrics variant is set.
type Telemetry struct {
	Time        uint32              `json:"time,omitempty"`
	Device      *DeviceMetrics      `json:"device,omitempty"`
	Environment *EnvironmentMetrics `json:"environment,omitempty"`
}

// User is the NODEINFO_APP payload.
type User struct {
	ID        string `json:"id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	HWModel   uint32 `json:"hw_model"`
}

// DecodePosition parses a POSITION_APP payload.
func DecodePosition(b []byte) (*Position, error) {
	pos := &Position{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			pos.Latitude = float64(int32(f.fixed32)) * 1e-7
		case 2:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			pos.Longitude = float64(int32(f.fixed32)) * 1e-7
		case 3:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			pos.Altitude = int32(f.varint)
		case 4:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			pos.Time = f.fixed32
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: position: %v", ErrDecode, err)
	}
	return pos, nil
}

// Marshal returns the POSITION_APP encoding of pos.
func (pos *Position) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(int32(math.Round(pos.Latitude*1e7))))
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(int32(math.Round(pos.Longitude*1e7))))
	if pos.Altitude != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(pos.Altitude)))
	}
	if pos.Time != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, pos.Time)
	}
	return b
}

// DecodeTelemetry parses a TELEMETRY_APP payload.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	tel := &Telemetry{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			tel.Time = f.fixed32
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			dm, err := decodeDeviceMetrics(f.bytes)
			if err != nil {
				return fmt.Errorf("device_metrics: %w", err)
			}
			tel.Device = dm
		case 3:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			em, err := decodeEnvironmentMetrics(f.bytes)
			if err != nil {
				return fmt.Errorf("environment_metrics: %w", err)
			}
			tel.Environment = em
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: telemetry: %v", ErrDecode, err)
	}
	return tel, nil
}

func decodeDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	dm := &DeviceMetrics{}
	return dm, walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			dm.BatteryLevel = uint32(f.varint)
		case 2, 3, 4:
			if err := f.expect(protowire.Fixed32Type); err != nil {
				return err
			}
			switch f.num {
			case 2:
				dm.Voltage = f.float32()
			case 3:
				dm.ChannelUtilization = f.float32()
			case 4:
				dm.AirUtilTx = f.float32()
			}
		case 5:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			dm.UptimeSeconds = uint32(f.varint)
		}
		return nil
	})
}

func decodeEnvironmentMetrics(b []byte) (*EnvironmentMetrics, error) {
	em := &EnvironmentMetrics{}
	return em, walkFields(b, func(f field) error {
		var dst *float32
		switch f.num {
		case 1:
			dst = &em.Temperature
		case 2:
			dst = &em.RelativeHumidity
		case 3:
			dst = &em.BarometricPressure
		default:
			return nil
		}
		if err := f.expect(protowire.Fixed32Type); err != nil {
			return err
		}
		*dst = f.float32()
		return nil
	})
}

// DecodeUser parses a NODEINFO_APP payload.
func DecodeUser(b []byte) (*User, error) {
	u := &User{}
	err := walkFields(b, func(f field) error {
		var dst *string
		switch f.num {
		case 1:
			dst = &u.ID
		case 2:
			dst = &u.LongName
		case 3:
			dst = &u.ShortName
		case 5:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			u.HWModel = uint32(f.varint)
			return nil
		default:
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		*dst = string(f.bytes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrDecode, err)
	}
	return u, nil
}

// Marshal returns the NODEINFO_APP encoding of u.
func (u *User) Marshal() []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		val string
	}{{1, u.ID}, {2, u.LongName}, {3, u.ShortName}} {
		if f.val == "" {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	if u.HWModel != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(u.HWModel))
	}
	return b
}
