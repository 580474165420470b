package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFTextDigest hashes the normalized plain text of a PDF receipt. It backs
// the content hash for PDFs that arrive without caller-supplied extraction:
// re-exported or re-downloaded copies of the same receipt digest identically
// even when their bytes differ.
func PDFTextDigest(content io.ReaderAt, size int64) (string, error) {
	reader, err := pdf.NewReader(content, size)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	raw, err := io.ReadAll(textReader)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	normalized := NormalizeText(string(raw))
	if normalized == "" {
		return "", fmt.Errorf("pdf has no extractable text")
	}

	sum := sha256.Sum256([]byte("pdftext:" + normalized))
	return hex.EncodeToString(sum[:]), nil
}

// IsPDF sniffs the PDF magic header.
func IsPDF(content io.ReaderAt) bool {
	var magic [5]byte
	if _, err := content.ReadAt(magic[:], 0); err != nil {
		return false
	}
	return strings.HasPrefix(string(magic[:]), "%PDF-")
}
