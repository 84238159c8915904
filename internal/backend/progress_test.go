package backend

import (
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, r io.Reader, bufSize int) {
	t.Helper()
	buf := make([]byte, bufSize)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("read error = %v", err)
		}
	}
}

func TestProgressReader(t *testing.T) {
	t.Run("reports each 10 percent step once", func(t *testing.T) {
		data := strings.Repeat("x", 100)

		var reported []int
		r := newProgressReader(strings.NewReader(data), 100, func(percent int) {
			reported = append(reported, percent)
		})
		drain(t, r, 10)

		want := []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
		if len(reported) != len(want) {
			t.Fatalf("reported %v, want %v", reported, want)
		}
		for i := range want {
			if reported[i] != want[i] {
				t.Fatalf("reported %v, want %v", reported, want)
			}
		}
	})

	t.Run("large reads skip to the latest step", func(t *testing.T) {
		var reported []int
		r := newProgressReader(strings.NewReader(strings.Repeat("x", 100)), 100, func(percent int) {
			reported = append(reported, percent)
		})
		drain(t, r, 100)

		if len(reported) != 1 || reported[0] != 100 {
			t.Errorf("reported %v, want [100]", reported)
		}
	})

	t.Run("unknown total reports nothing", func(t *testing.T) {
		r := newProgressReader(strings.NewReader("data"), 0, func(percent int) {
			t.Errorf("report(%d) called with zero total", percent)
		})
		drain(t, r, 2)
	})

	t.Run("nil report is safe", func(t *testing.T) {
		drain(t, newProgressReader(strings.NewReader("data"), 4, nil), 2)
	})
}

func TestProgressReaderDoesNotSeek(t *testing.T) {
	// The AWS upload manager re-reads parts concurrently when given a
	// seeker. The wrapper must not expose one.
	var r any = newProgressReader(strings.NewReader("data"), 4, nil)
	if _, ok := r.(io.Seeker); ok {
		t.Error("progressReader implements io.Seeker")
	}
}
