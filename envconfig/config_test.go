package envconfig

import (
	"log/slog"
	"testing"
)

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"1":     true,
		"0":     false,
		"true":  true,
		"false": false,
		"yes":   true, // unparsable values enable the flag
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("MOE_DEBUG", value)
			if got := Debug(); got != want {
				t.Errorf("MOE_DEBUG=%q: got %t, want %t", value, got, want)
			}
		})
	}
}

func TestInt(t *testing.T) {
	cases := map[string]int{
		"":    0,
		"4":   4,
		"-1":  -1,
		"abc": 0,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("MOE_NUM_THREADS", value)
			if got := Threads(); got != want {
				t.Errorf("MOE_NUM_THREADS=%q: got %d, want %d", value, got, want)
			}
		})
	}
}

func TestEffectiveThreads(t *testing.T) {
	t.Setenv("MOE_NUM_THREADS", "3")
	if got := EffectiveThreads(); got != 3 {
		t.Errorf("got %d, want 3", got)
	}

	t.Setenv("MOE_NUM_THREADS", "0")
	if got := EffectiveThreads(); got < 1 {
		t.Errorf("got %d, want >= 1", got)
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("MOE_DEBUG", "1")
	if got := LogLevel(); got != slog.LevelDebug {
		t.Errorf("got %v, want %v", got, slog.LevelDebug)
	}
}
