package telemetry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/septivank/smartplug-ingest-worker/internal/db"
)

// Message is a decoded smart plug telemetry document.
// State, ChildLock and the device metadata are accepted but never persisted.
type Message struct {
	ChildLock *string `json:"child_lock,omitempty"`
	Current   float64 `json:"current"`
	Device    Device  `json:"device"`
	Energy    float64 `json:"energy"`
	Power     uint16  `json:"power"`
	State     *string `json:"state,omitempty"`
	Voltage   uint16  `json:"voltage"`
}

// Device is the device metadata block embedded in every message
type Device struct {
	FriendlyName     string  `json:"friendlyName"`
	IEEEAddr         *string `json:"ieeeAddr,omitempty"`
	ManufacturerID   *uint16 `json:"manufacturerID,omitempty"`
	ManufacturerName *string `json:"manufacturerName,omitempty"`
	Model            *string `json:"model,omitempty"`
}

// rawMessage mirrors Message with pointers so absent required fields can be told apart from zero values
type rawMessage struct {
	ChildLock *string    `json:"child_lock"`
	Current   *float64   `json:"current"`
	Device    *rawDevice `json:"device"`
	Energy    *float64   `json:"energy"`
	Power     *uint16    `json:"power"`
	State     *string    `json:"state"`
	Voltage   *uint16    `json:"voltage"`
}

type rawDevice struct {
	FriendlyName     *string `json:"friendlyName"`
	IEEEAddr         *string `json:"ieeeAddr"`
	ManufacturerID   *uint16 `json:"manufacturerID"`
	ManufacturerName *string `json:"manufacturerName"`
	Model            *string `json:"model"`
}

// Decode parses a raw MQTT payload. Every malformed input yields a *DecodeError.
func Decode(payload []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, &DecodeError{Field: typeErr.Field, Err: err}
		}
		return nil, &DecodeError{Err: err}
	}

	switch {
	case raw.Device == nil:
		return nil, &DecodeError{Field: "device", Err: ErrMissingField}
	case raw.Device.FriendlyName == nil:
		return nil, &DecodeError{Field: "device.friendlyName", Err: ErrMissingField}
	case *raw.Device.FriendlyName == "":
		return nil, &DecodeError{Field: "device.friendlyName", Err: ErrEmptyFriendlyName}
	case raw.Current == nil:
		return nil, &DecodeError{Field: "current", Err: ErrMissingField}
	case raw.Energy == nil:
		return nil, &DecodeError{Field: "energy", Err: ErrMissingField}
	case raw.Power == nil:
		return nil, &DecodeError{Field: "power", Err: ErrMissingField}
	case raw.Voltage == nil:
		return nil, &DecodeError{Field: "voltage", Err: ErrMissingField}
	}

	return &Message{
		ChildLock: raw.ChildLock,
		Current:   *raw.Current,
		Device: Device{
			FriendlyName:     *raw.Device.FriendlyName,
			IEEEAddr:         raw.Device.IEEEAddr,
			ManufacturerID:   raw.Device.ManufacturerID,
			ManufacturerName: raw.Device.ManufacturerName,
			Model:            raw.Device.Model,
		},
		Energy:  *raw.Energy,
		Power:   *raw.Power,
		State:   raw.State,
		Voltage: *raw.Voltage,
	}, nil
}

// Encode renders a Message back into its wire form
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Reading builds the persisted form of the message, stamped at the given time
func (m *Message) Reading(at time.Time) db.Reading {
	return db.Reading{
		FriendlyName: m.Device.FriendlyName,
		Timestamp:    at.Unix(),
		Current:      m.Current,
		Energy:       m.Energy,
		Power:        int(m.Power),
		Voltage:      int(m.Voltage),
	}
}
