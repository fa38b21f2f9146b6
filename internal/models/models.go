// Package models holds the data types shared by the device link, the
// event bus, persistence and the broadcast hub.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/practable/envmon/internal/bus"
)

// Topics carried by the event bus
var (
	SensorData   = bus.NewTopic[Reading]("sensor:data")
	PumpActivate = bus.NewTopic[PumpCommand]("pump:activate")
	LogEntries   = bus.NewTopic[LogEntry]("log:entry")
)

// Pump run time limits in seconds
const (
	MinPumpTime = 2
	MaxPumpTime = 32
)

// Reading represents a temperature/humidity measurement
type Reading struct {
	// ID is assigned by the store, zero until persisted
	ID int64 `json:"id,omitempty"`

	Temperature float64 `json:"temperature"`

	Humidity float64 `json:"humidity"`

	CreatedAt time.Time `json:"createdAt"`
}

// LogEntry represents a free-text operational message
type LogEntry struct {
	ID int64 `json:"id,omitempty"`

	Message string `json:"message"`

	CreatedAt time.Time `json:"createdAt"`
}

// PumpCommand asks the device to run the pump for Time seconds
type PumpCommand struct {
	Time int `json:"time"`
}

// Valid returns true if the pump time is within the range the device accepts
func (p PumpCommand) Valid() bool {
	return p.Time >= MinPumpTime && p.Time <= MaxPumpTime
}

// ErrInvalidPumpTime is returned for pump times that are not an integer
// number of seconds within limits
var ErrInvalidPumpTime = errors.New("invalid pump time")

// ParsePumpCommand returns the command for a decimal time in seconds
func ParsePumpCommand(s string) (PumpCommand, error) {

	t, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return PumpCommand{}, ErrInvalidPumpTime
	}

	p := PumpCommand{Time: t}

	if !p.Valid() {
		return PumpCommand{}, ErrInvalidPumpTime
	}

	return p, nil
}

// String returns the command line as sent to the device (without terminator)
func (p PumpCommand) String() string {
	return fmt.Sprintf("%d", p.Time)
}

// State represents the latest reading and the recent log, newest first.
// Temperature, Humidity and UpdatedAt are nil until a reading exists.
type State struct {
	Temperature *float64 `json:"temperature"`

	Humidity *float64 `json:"humidity"`

	UpdatedAt *time.Time `json:"updatedAt"`

	Logs []LogEntry `json:"logs"`
}

// NewState returns a State built from the latest reading (if any) and the
// recent log entries, which must already be newest first
func NewState(latest *Reading, logs []LogEntry) State {

	s := State{
		Logs: logs,
	}

	if s.Logs == nil {
		s.Logs = []LogEntry{}
	}

	if latest != nil {
		t, h, u := latest.Temperature, latest.Humidity, latest.CreatedAt
		s.Temperature = &t
		s.Humidity = &h
		s.UpdatedAt = &u
	}

	return s
}

// MessageType represents the kind of message sent to live clients
type MessageType string

// MessageType values
const (
	TypeState   MessageType = "state"
	TypeReading MessageType = "reading"
	TypeLog     MessageType = "log"
)

// Message is the envelope for everything sent to live clients
type Message struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data"`
}

// StateMessage wraps a snapshot
func StateMessage(s State) Message {
	return Message{Type: TypeState, Data: s}
}

// ReadingMessage wraps a reading
func ReadingMessage(r Reading) Message {
	return Message{Type: TypeReading, Data: r}
}

// LogMessage wraps a log entry
func LogMessage(l LogEntry) Message {
	return Message{Type: TypeLog, Data: l}
}

// Marshal returns the JSON encoding of the message
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
