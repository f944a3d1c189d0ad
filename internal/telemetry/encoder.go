package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Property names and content metadata attached to every message.
const (
	// PropertyTemperatureAlert is "true" when the reading's temperature
	// exceeds the encoder threshold, else "false".
	PropertyTemperatureAlert = "temperatureAlert"

	ContentType     = "application/json"
	ContentEncoding = "utf-8"

	// DefaultAlertThreshold matches the classic device sample.
	DefaultAlertThreshold = 30.0
)

// ErrEncoding is matched by every [EncodingError].
var ErrEncoding = errors.New("encoding error")

// EncodingError reports a reading that cannot be serialized. The
// generator never produces one; seeing it means an invariant broke.
type EncodingError struct {
	Field string
	Value float64
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode reading: %s is not finite (%v)", e.Field, e.Value)
}

// Is reports whether target is [ErrEncoding].
func (e *EncodingError) Is(target error) bool {
	return target == ErrEncoding
}

// EncodedMessage is a serialized reading ready for a transport. Neither
// the payload nor the properties map may be modified once the encoder
// has returned it.
type EncodedMessage struct {
	// ID is a UUIDv7 unique to this message. Transports that support
	// deduplication pass it through as the broker message id.
	ID              string
	Payload         []byte
	Properties      map[string]string
	ContentType     string
	ContentEncoding string
	// Timestamp is the reading time, carried for transports that stamp
	// messages.
	Timestamp time.Time
}

// wireReading is the JSON body. Field order is fixed by the struct.
type wireReading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// Encoder converts readings to messages. It is stateless apart from
// its threshold and safe for concurrent use.
type Encoder struct {
	threshold float64
}

// NewEncoder creates an Encoder that raises temperatureAlert above
// threshold.
func NewEncoder(threshold float64) *Encoder {
	return &Encoder{threshold: threshold}
}

// Threshold returns the alert threshold.
func (e *Encoder) Threshold() float64 {
	return e.threshold
}

// Encode serializes r. It fails with an [*EncodingError] if either
// measurement is NaN or infinite; JSON has no representation for them
// and a broker-side consumer would reject the body.
func (e *Encoder) Encode(r Reading) (EncodedMessage, error) {
	if err := checkFinite("temperature", r.Temperature); err != nil {
		return EncodedMessage{}, err
	}
	if err := checkFinite("humidity", r.Humidity); err != nil {
		return EncodedMessage{}, err
	}

	payload, err := json.Marshal(wireReading{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Timestamp:   r.Timestamp.UTC(),
	})
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("marshal reading: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return EncodedMessage{}, fmt.Errorf("generate message ID: %w", err)
	}

	return EncodedMessage{
		ID:      id.String(),
		Payload: payload,
		Properties: map[string]string{
			PropertyTemperatureAlert: strconv.FormatBool(r.Temperature > e.threshold),
		},
		ContentType:     ContentType,
		ContentEncoding: ContentEncoding,
		Timestamp:       r.Timestamp,
	}, nil
}

// Decode parses a payload produced by [Encoder.Encode]. Temperature and
// humidity round-trip exactly; the timestamp comes back in UTC.
func Decode(payload []byte) (Reading, error) {
	var w wireReading
	if err := json.Unmarshal(payload, &w); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	return Reading{
		Temperature: w.Temperature,
		Humidity:    w.Humidity,
		Timestamp:   w.Timestamp,
	}, nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &EncodingError{Field: field, Value: v}
	}
	return nil
}
