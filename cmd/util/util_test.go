package util

import (
	"slices"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := "The address of the hKV server. For transports that support load balancing, multiple endpoints can be specified"
	wrapped := WrapString(text)

	for _, line := range strings.Split(wrapped, "\n") {
		if len(line) > Wrap {
			t.Errorf("line %q is longer than %d characters", line, Wrap)
		}
	}
	if got := strings.Join(strings.Fields(wrapped), " "); got != text {
		t.Errorf("WrapString changed the words: %q", got)
	}
	if WrapString("") != "" {
		t.Errorf("WrapString(\"\") must be empty")
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"localhost:8080", []string{"localhost:8080"}},
		{"a:1, b:2,,c:3 ", []string{"a:1", "b:2", "c:3"}},
	}
	for _, tt := range tests {
		if got := SplitList(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGetTransport(t *testing.T) {
	defer viper.Reset()

	for _, name := range TransportNames() {
		viper.Set("transport", name)
		if _, err := GetTransport(); err != nil {
			t.Errorf("GetTransport(%q): %v", name, err)
		}
		if _, err := GetServerTransport(); err != nil {
			t.Errorf("GetServerTransport(%q): %v", name, err)
		}
	}

	viper.Set("transport", "carrier-pigeon")
	if _, err := GetTransport(); err == nil {
		t.Error("expected an error for an unknown transport")
	}
	if !slices.Equal(TransportNames(), []string{"http", "tcp", "unix", "ws"}) {
		t.Errorf("unexpected transport names %v", TransportNames())
	}
}
