package packet

import (
	"bytes"
	"testing"
)

func TestNewRandomPacket_Size(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != Size {
		t.Fatalf("got %d bytes, want %d", len(buf), Size)
	}
}

func TestPlaceRequest_RoundTripsThroughExtract(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)
	if err := PlaceRequest(&buf, want); err != nil {
		t.Fatalf("place request: %v", err)
	}

	got, err := ExtractJSON(Payload(&buf))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %s want %s", got, want)
	}
}

func TestPlaceRequest_RejectsOversizePayload(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}

	oversized := bytes.Repeat([]byte("x"), MaxRequestPayload+1)
	if err := PlaceRequest(&buf, oversized); err != ErrPayloadTooLarge {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestPlaceRequest_EndsBeforeTagRegion(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte(`{"jsonrpc":"2.0","method":"eth_call","params":[],"id":7}`)
	if err := PlaceRequest(&buf, want); err != nil {
		t.Fatal(err)
	}

	payload := Payload(&buf)
	end := PayloadSize - requestTrailer
	start := end - len(want)
	if !bytes.Equal(payload[start:end], want) {
		t.Fatalf("JSON not placed at the expected offset")
	}
}

func TestPlaceResponse_EndsAtLastByte(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte(`{"jsonrpc":"2.0","result":"0xabc","id":1}`)
	PlaceResponse(&buf, want)

	payload := Payload(&buf)
	if !bytes.Equal(payload[PayloadSize-len(want):], want) {
		t.Fatalf("response not placed at the end of the payload")
	}

	got, err := ExtractJSON(payload)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %s want %s", got, want)
	}
}

func TestPlaceResponse_TruncatesOversizeResponse(t *testing.T) {
	buf, err := NewRandomPacket()
	if err != nil {
		t.Fatal(err)
	}

	oversized := bytes.Repeat([]byte("a"), PayloadSize+100)
	PlaceResponse(&buf, oversized)

	payload := Payload(&buf)
	if len(payload) != PayloadSize {
		t.Fatalf("payload region length changed: %d", len(payload))
	}
	// The full payload region should be the truncated response: all 'a'.
	if !bytes.Equal(payload, bytes.Repeat([]byte("a"), PayloadSize)) {
		t.Fatalf("expected full payload region filled by truncated response")
	}
}

// TestExtractJSON_RoundTripsAroundRandomPadding exercises property #4:
// for CSPRNG padding around a valid JSON document, the extractor recovers
// the original document even if the padding coincidentally contains
// brace characters.
func TestExtractJSON_RoundTripsAroundRandomPadding(t *testing.T) {
	trials := []struct {
		name    string
		payload func(json []byte) []byte
	}{
		{
			name: "braces before and after",
			payload: func(j []byte) []byte {
				return append(append([]byte("{}{{}}"), j...), []byte("}}{{}}")...)
			},
		},
		{
			name: "curly noise immediately adjacent",
			payload: func(j []byte) []byte {
				return append(append([]byte("{"), j...), []byte("}")...)
			},
		},
	}

	want := []byte(`{"jsonrpc":"2.0","method":"eth_getBalance","params":["0xabc","latest"],"id":42}`)

	for _, tr := range trials {
		t.Run(tr.name, func(t *testing.T) {
			payload := tr.payload(want)
			got, err := ExtractJSON(payload)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("got %s want %s", got, want)
			}
		})
	}
}

func TestExtractJSON_NoCandidate(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), PayloadSize)
	if _, err := ExtractJSON(payload); err != ErrNoJSON {
		t.Fatalf("got %v, want ErrNoJSON", err)
	}
}

func TestExtractJSON_PrefersWidestCandidate(t *testing.T) {
	inner := []byte(`{"a":1}`)
	outer := []byte(`{"wrap":` + string(inner) + `,"extra":true}`)
	payload := append([]byte("noise"), outer...)

	got, err := ExtractJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, outer) {
		t.Fatalf("got %s, want widest candidate %s", got, outer)
	}
}

func TestExtractJSON_BoundedOnPathologicalPadding(t *testing.T) {
	// A payload with many unmatched opening braces must not hang; the
	// scan is bounded by payload length regardless of brace density.
	payload := bytes.Repeat([]byte("{"), PayloadSize)
	if _, err := ExtractJSON(payload); err != ErrNoJSON {
		t.Fatalf("got %v, want ErrNoJSON", err)
	}
}
