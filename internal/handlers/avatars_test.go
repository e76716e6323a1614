package handlers

import (
	"bytes"
	"errors"
	"testing"
)

func TestDetectAvatarType(t *testing.T) {
	pngHeader := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	jpegHeader := append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 64)...)
	gifHeader := append([]byte("GIF89a"), make([]byte, 64)...)

	t.Run("recognizes the allowed image formats", func(t *testing.T) {
		cases := []struct {
			name     string
			payload  []byte
			wantType string
			wantExt  string
		}{
			{"png", pngHeader, "image/png", ".png"},
			{"jpeg", jpegHeader, "image/jpeg", ".jpg"},
			{"gif", gifHeader, "image/gif", ".gif"},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				reader := bytes.NewReader(tc.payload)
				contentType, ext, err := detectAvatarType(reader)
				if err != nil {
					t.Fatalf("detectAvatarType failed: %v", err)
				}
				if contentType != tc.wantType || ext != tc.wantExt {
					t.Fatalf("got (%q, %q), want (%q, %q)", contentType, ext, tc.wantType, tc.wantExt)
				}

				// the reader must be rewound for the upload that follows
				if pos, _ := reader.Seek(0, 1); pos != 0 {
					t.Fatalf("expected the reader rewound to 0, got offset %d", pos)
				}
			})
		}
	})

	t.Run("rejects content regardless of the claimed header", func(t *testing.T) {
		// a text file stays a text file no matter what Content-Type says
		reader := bytes.NewReader([]byte("#!/bin/sh\necho not-an-image\n"))
		_, _, err := detectAvatarType(reader)
		if !errors.Is(err, errUnsupportedAvatarType) {
			t.Fatalf("expected errUnsupportedAvatarType, got %v", err)
		}
	})

	t.Run("rejects short and empty payloads", func(t *testing.T) {
		for _, payload := range [][]byte{nil, []byte("x")} {
			_, _, err := detectAvatarType(bytes.NewReader(payload))
			if !errors.Is(err, errUnsupportedAvatarType) {
				t.Fatalf("expected errUnsupportedAvatarType for %q, got %v", payload, err)
			}
		}
	})
}
