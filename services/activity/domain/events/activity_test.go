package events

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ghuser/activitypipeline/services/activity/domain"
	"github.com/ghuser/activitypipeline/services/activity/domain/models"
)

func TestEncode_WireFormat(t *testing.T) {
	e, err := models.NewEvent(42, "login", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), map[string]any{"ip": "10.0.0.1"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	body, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	want := `{"subject_id":42,"event_kind":"login","timestamp":"2024-01-01T00:00:00Z","metadata":{"ip":"10.0.0.1"}}`
	if string(body) != want {
		t.Fatalf("got  %s\nwant %s", body, want)
	}
}

func TestEncode_NilMetadataIsEmptyObject(t *testing.T) {
	body, err := Encode(&models.Event{SubjectID: 1, EventKind: "click", Timestamp: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["metadata"]) != "{}" {
		t.Fatalf("metadata = %s, want {}", raw["metadata"])
	}
}

func TestDecode_PreservesMetadataTypes(t *testing.T) {
	body := []byte(`{
		"subject_id": 7,
		"event_kind": "purchase",
		"timestamp": "2024-05-01T12:00:00.5+02:00",
		"metadata": {
			"amount": 19.99,
			"qty": 3,
			"big": 9007199254740993,
			"gift": false,
			"sku": "A-1",
			"tags": ["x", "y"],
			"ship": {"country": "NL", "express": true},
			"note": null
		}
	}`)

	e, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.SubjectID != 7 || e.EventKind != "purchase" {
		t.Fatalf("unexpected event: %+v", e)
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.UTC); !e.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", e.Timestamp, want)
	}

	want := map[string]any{
		"amount": json.Number("19.99"),
		"qty":    json.Number("3"),
		"big":    json.Number("9007199254740993"),
		"gift":   false,
		"sku":    "A-1",
		"tags":   []any{"x", "y"},
		"ship":   map[string]any{"country": "NL", "express": true},
		"note":   nil,
	}
	if !reflect.DeepEqual(e.Metadata, want) {
		t.Fatalf("metadata = %#v\nwant %#v", e.Metadata, want)
	}
}

func TestRoundTrip(t *testing.T) {
	original := []byte(`{"subject_id":42,"event_kind":"login","timestamp":"2024-01-01T00:00:00Z","metadata":{"ip":"10.0.0.1","n":1.50,"nested":{"ok":true}}}`)

	e, err := Decode(original)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	again, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e2, err := Decode(again)
	if err != nil {
		t.Fatalf("Decode re-encoded: %v", err)
	}
	if !reflect.DeepEqual(e, e2) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", e, e2)
	}
	if e2.Metadata["n"] != json.Number("1.50") {
		t.Fatalf("number text not preserved: %v", e2.Metadata["n"])
	}
}

func TestDecode_WhitespaceKindIsNotPoison(t *testing.T) {
	e, err := Decode([]byte(`{"subject_id":7,"event_kind":" ","timestamp":"2024-01-01T10:30+0100"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.EventKind != " " {
		t.Errorf("event_kind = %q, want a single space", e.EventKind)
	}
	if want := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC); !e.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, want)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not JSON", `this is not json`},
		{"empty body", ``},
		{"JSON array", `[1,2,3]`},
		{"truncated", `{"subject_id": 1, "event_kind": "x"`},
		{"trailing data", `{"subject_id":1,"event_kind":"x","timestamp":"2024-01-01T00:00:00Z"} {}`},
		{"subject_id as string", `{"subject_id":"1","event_kind":"x","timestamp":"2024-01-01T00:00:00Z"}`},
		{"fractional subject_id", `{"subject_id":1.5,"event_kind":"x","timestamp":"2024-01-01T00:00:00Z"}`},
		{"missing subject_id", `{"event_kind":"x","timestamp":"2024-01-01T00:00:00Z"}`},
		{"zero subject_id", `{"subject_id":0,"event_kind":"x","timestamp":"2024-01-01T00:00:00Z"}`},
		{"empty event_kind", `{"subject_id":1,"event_kind":"","timestamp":"2024-01-01T00:00:00Z"}`},
		{"bad timestamp", `{"subject_id":1,"event_kind":"x","timestamp":"soon"}`},
		{"metadata not an object", `{"subject_id":1,"event_kind":"x","timestamp":"2024-01-01T00:00:00Z","metadata":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			if !errors.Is(err, domain.ErrMalformedPayload) {
				t.Fatalf("got %v, want ErrMalformedPayload", err)
			}
		})
	}
}
