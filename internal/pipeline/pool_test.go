package pipeline

import (
	"testing"
)

func TestGetBuffer_SizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 512, 4 * 1024},
		{"64KB bucket - smaller", 33 * 1024, 64 * 1024},
		{"128KB bucket - exact", 128 * 1024, 128 * 1024},
		{"128KB bucket - smaller", 65 * 1024, 128 * 1024},
		{"256KB bucket - smaller", 200 * 1024, 256 * 1024},
		{"512KB bucket - smaller", 400 * 1024, 512 * 1024},
		{"1MB bucket - exact", 1024 * 1024, 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("GetBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("GetBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestGetBuffer_Oversized(t *testing.T) {
	buf := GetBuffer(2 * 1024 * 1024)
	if len(buf) != 2*1024*1024 {
		t.Errorf("oversized GetBuffer returned len=%d", len(buf))
	}
	// Not pooled, but must not panic
	PutBuffer(buf)
}

func TestPutBuffer_NonStandardCap(t *testing.T) {
	// Create a buffer with non-standard capacity
	buf := make([]byte, 100*1024) // 100KB - not a standard bucket
	// This should not panic
	PutBuffer(buf)
}

func BenchmarkGetBuffer_4KB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(4 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkGetBuffer_1MB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetBuffer(1024 * 1024)
		PutBuffer(buf)
	}
}

func BenchmarkMakeBuffer_1MB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = make([]byte, 1024*1024)
	}
}
