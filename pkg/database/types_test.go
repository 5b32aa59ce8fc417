package database

import (
	"reflect"
	"testing"
)

func TestStringArrayScan(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want StringArray
	}{
		{"json", []byte(`["a","b"]`), StringArray{"a", "b"}},
		{"postgres", "{a,\"b,c\"}", StringArray{"a", "b,c"}},
		{"postgres empty", "{}", StringArray{}},
		{"nil", nil, nil},
		{"scalar", "solo", StringArray{"solo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringArray
			if err := got.Scan(tt.in); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestStringArrayContains(t *testing.T) {
	a := StringArray{"message.created", "user.online"}
	if !a.Contains("user.online") || a.Contains("user.offline") {
		t.Fatalf("Contains misbehaves for %v", a)
	}
}

func TestJSONMapValueScan(t *testing.T) {
	m := JSONMap{"fallback_reason": "no_online_users"}
	v, err := m.Value()
	if err != nil {
		t.Fatal(err)
	}
	var got JSONMap
	if err := got.Scan(v); err != nil {
		t.Fatal(err)
	}
	if got["fallback_reason"] != "no_online_users" {
		t.Fatalf("got %v", got)
	}

	var empty JSONMap
	if err := empty.Scan(""); err != nil || empty != nil {
		t.Fatalf("empty scan: %v %v", empty, err)
	}
}
