// Package sniff classifies archive files by byte signature. Comic
// archives are routinely mislabeled (a .cbr whose payload is a ZIP
// stream is common), so the true container type is decided from content
// first and the extension is only advisory.
package sniff

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Format is a container type derived purely from byte content.
type Format int

const (
	Unknown Format = iota
	Zip
	Rar
	Pdf
)

func (f Format) String() string {
	switch f {
	case Zip:
		return "zip"
	case Rar:
		return "rar"
	case Pdf:
		return "pdf"
	default:
		return "unknown"
	}
}

var (
	zipLocalHeader = []byte{'P', 'K', 0x03, 0x04}
	// Empty ZIP archives start directly with the end-of-central-directory record.
	zipEmptyArchive = []byte{'P', 'K', 0x05, 0x06}
	rar4Signature   = []byte{'R', 'a', 'r', '!', 0x1a, 0x07, 0x00}
	rar5Signature   = []byte{'R', 'a', 'r', '!', 0x1a, 0x07, 0x01, 0x00}
	pdfSignature    = []byte("%PDF-")
)

// maxSignatureLen covers the longest signature checked (RAR5).
const maxSignatureLen = 8

// Sniff reads the minimal leading bytes of the file at path and reports
// its container format. A short or unreadable file is an error; bytes
// matching no known signature report Unknown.
func Sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("sniff %q: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, maxSignatureLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Unknown, fmt.Errorf("sniff %q: %w", path, err)
	}
	return Detect(head[:n]), nil
}

// Detect classifies the leading bytes of an archive.
func Detect(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, zipLocalHeader), bytes.HasPrefix(head, zipEmptyArchive):
		return Zip
	case bytes.HasPrefix(head, rar5Signature), bytes.HasPrefix(head, rar4Signature):
		return Rar
	case bytes.HasPrefix(head, pdfSignature):
		return Pdf
	default:
		return Unknown
	}
}
