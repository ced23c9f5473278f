package main

import (
	"testing"
)

func TestParseSize(t *testing.T) {
	var tests = []struct {
		size string
		want int64
		err  bool
	}{
		{size: "4096", want: 4096},
		{size: "1kb", want: 1000},
		{size: "10MB", want: 10 * 1000 * 1000},
		{size: "1Mi", want: 1024 * 1024},
		{size: "2gi", want: 2 * 1024 * 1024 * 1024},
		{size: "1.5Ki", want: 1536},
		{size: "ten", err: true},
		{size: "1x", err: true},
	}

	for i, tt := range tests {
		got, err := parseSize(tt.size)
		if tt.err {
			if err == nil {
				t.Fatalf("[%02d] test %q, expected an error, got %d", i, tt.size, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("[%02d] test %q, want %d, got %d (%v)", i, tt.size, tt.want, got, err)
		}
	}
}

func TestAlignSize(t *testing.T) {
	var tests = []struct {
		size, bs, want int64
		err            bool
	}{
		{size: 4096, bs: 512, want: 4096},
		{size: 4097, bs: 512, want: 4096},
		{size: 10000, bs: 4096, want: 8192},
		{size: 100, bs: 512, err: true},
		{size: 4096, bs: 0, err: true},
		{size: 4096, bs: 1000, err: true},
	}

	for i, tt := range tests {
		got, err := alignSize(tt.size, tt.bs)
		if (err != nil) != tt.err || got != tt.want {
			t.Fatalf("[%02d] test %d/%d, want %d (err %v), got %d (%v)", i, tt.size, tt.bs, tt.want, tt.err, got, err)
		}
	}
}
