package types

import "testing"

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	data, err := v.Encode()
	if err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode %v: %v", data, err)
	}
	return got
}

func TestEncodeDecodeRoundTripsScalars(t *testing.T) {
	cases := []Value{
		NullValue(),
		IntegerValue(-42),
		FloatValue(3.5),
		BooleanValue(true),
		BooleanValue(false),
		StringValue("hello"),
		RawBytesValue([]byte{1, 2, 3}),
		JsonBlobValue([]byte(`{"a":1}`)),
		VectorValue([]float32{1.5, -2.5, 3}),
	}

	for _, v := range cases {
		got := roundTrip(t, v)
		if got.Kind != v.Kind {
			t.Fatalf("kind mismatch: want %s, got %s", v.Kind, got.Kind)
		}
	}
}

func TestEncodeDecodeRoundTripsIntegerValue(t *testing.T) {
	got := roundTrip(t, IntegerValue(12345))
	if got.Integer != 12345 {
		t.Fatalf("expected 12345, got %d", got.Integer)
	}
}

func TestEncodeDecodeRoundTripsStringValue(t *testing.T) {
	got := roundTrip(t, StringValue("row mirror"))
	if got.String != "row mirror" {
		t.Fatalf("expected %q, got %q", "row mirror", got.String)
	}
}

func TestEncodeDecodeRoundTripsVectorValue(t *testing.T) {
	want := []float32{1, 2, 3, 4}
	got := roundTrip(t, VectorValue(want))
	if len(got.Vector) != len(want) {
		t.Fatalf("expected %d dims, got %d", len(want), len(got.Vector))
	}
	for i := range want {
		if got.Vector[i] != want[i] {
			t.Fatalf("dim %d: want %f, got %f", i, want[i], got.Vector[i])
		}
	}
}

func TestEncodeDecodeRoundTripsMapValue(t *testing.T) {
	row := MapValue([]MapEntry{
		{Key: []byte("id"), Value: IntegerValue(1)},
		{Key: []byte("name"), Value: StringValue("alice")},
		{Key: []byte("active"), Value: BooleanValue(true)},
		{Key: []byte("note"), Value: NullValue()},
	})

	got := roundTrip(t, row)
	if got.Kind != KindMap {
		t.Fatalf("expected KindMap, got %s", got.Kind)
	}
	if len(got.Map) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got.Map))
	}

	name, ok := got.MapGet([]byte("name"))
	if !ok || name.String != "alice" {
		t.Fatalf("expected name=alice, got %v ok=%v", name, ok)
	}
	note, ok := got.MapGet([]byte("note"))
	if !ok || !note.IsNull() {
		t.Fatalf("expected note=null, got %v ok=%v", note, ok)
	}
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error decoding empty input")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	data, err := StringValue("hello").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(data[:len(data)-2]); err == nil {
		t.Fatalf("expected error decoding truncated payload")
	}
}
