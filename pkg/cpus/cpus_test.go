package cpus

import (
	"reflect"
	"testing"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"0", []int{0}},
		{"0-4", []int{0, 1, 2, 3, 4}},
		{"0-2,5-6", []int{0, 1, 2, 5, 6}},
		{"1,3,5", []int{1, 3, 5}},
		{"0-1,4", []int{0, 1, 4}},
	}

	for _, tc := range tests {
		got, err := parseList(tc.in)
		if err != nil {
			t.Fatalf("parseList(%q) returned error: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseListRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "a", "0-", "-3", "4-2", "0,,2"} {
		if _, err := parseList(in); err == nil {
			t.Errorf("parseList(%q) expected error, got none", in)
		}
	}
}
