package types

import "testing"

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		chunkSize int64
		want      int
	}{
		{"exact multiple", 2_000_000, 1_000_000, 2},
		{"with remainder", 2_500_000, 1_000_000, 3},
		{"smaller than one chunk", 100, 1_000_000, 1},
		{"single byte", 1, 1, 1},
		{"zero size", 0, 1_000_000, 0},
		{"zero chunk size", 100, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TotalChunks(tt.totalSize, tt.chunkSize); got != tt.want {
				t.Errorf("TotalChunks(%d, %d) = %d, want %d",
					tt.totalSize, tt.chunkSize, got, tt.want)
			}
		})
	}
}

func TestChunkLength(t *testing.T) {
	s := &UploadSession{
		TotalSize:   2_500_000,
		ChunkSize:   1_000_000,
		TotalChunks: 3,
	}

	if got := s.ChunkLength(0); got != 1_000_000 {
		t.Errorf("ChunkLength(0) = %d, want 1000000", got)
	}
	if got := s.ChunkLength(1); got != 1_000_000 {
		t.Errorf("ChunkLength(1) = %d, want 1000000", got)
	}
	if got := s.ChunkLength(2); got != 500_000 {
		t.Errorf("ChunkLength(2) = %d, want 500000", got)
	}
	if got := s.ChunkLength(3); got != 0 {
		t.Errorf("ChunkLength(3) = %d, want 0 for out-of-range index", got)
	}
	if got := s.ChunkLength(-1); got != 0 {
		t.Errorf("ChunkLength(-1) = %d, want 0 for negative index", got)
	}
}

func TestChunkLength_ExactMultiple(t *testing.T) {
	s := &UploadSession{
		TotalSize:   2_000_000,
		ChunkSize:   1_000_000,
		TotalChunks: 2,
	}
	if got := s.ChunkLength(1); got != 1_000_000 {
		t.Errorf("last chunk of exact multiple = %d, want 1000000", got)
	}
}

func TestMatches(t *testing.T) {
	s := &UploadSession{
		FileName:  "report.pdf",
		TotalSize: 1000,
		ChunkSize: 256,
	}

	if !s.Matches("report.pdf", 1000, 256) {
		t.Error("identical metadata should match")
	}
	if s.Matches("other.pdf", 1000, 256) {
		t.Error("different file name should not match")
	}
	if s.Matches("report.pdf", 999, 256) {
		t.Error("different total size should not match")
	}
	if s.Matches("report.pdf", 1000, 512) {
		t.Error("different chunk size should not match")
	}
}
