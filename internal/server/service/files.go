package service

import (
	"archive/zip"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// dangerousExtensions are file extensions that are blocked inside uploaded ZIPs.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true,
	".scr": true, ".pif": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".wsh": true, ".msi": true, ".hta": true,
	".lnk": true, ".cpl": true, ".inf": true, ".reg": true,
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// validateZipMagicBytes checks that data starts with the ZIP magic number (PK\x03\x04).
func validateZipMagicBytes(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidZip
	}
	// Standard ZIP local file header: PK\x03\x04
	// Empty ZIP (end of central directory): PK\x05\x06
	if data[0] == 0x50 && data[1] == 0x4B {
		if (data[2] == 0x03 && data[3] == 0x04) || // local file header
			(data[2] == 0x05 && data[3] == 0x06) { // empty archive
			return nil
		}
	}
	return ErrInvalidZip
}

// validateZipFile checks a stored ZIP for a valid header and blocked entries
// and returns the total uncompressed size.
func validateZipFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, ErrInvalidZip
	}
	if err := validateZipMagicBytes(header); err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat upload: %w", err)
	}
	return validateAndMeasureZip(f, info.Size())
}

// validateAndMeasureZip opens the ZIP, scans for dangerous extensions,
// and returns the total uncompressed size of all entries.
func validateAndMeasureZip(r io.ReaderAt, size int64) (int64, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidZip, err)
	}

	var totalUncompressed int64
	for _, f := range reader.File {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if dangerousExtensions[ext] {
			return 0, fmt.Errorf("%w: blocked extension %s in %s", ErrDangerousFile, ext, f.Name)
		}
		totalUncompressed += int64(f.UncompressedSize64)
	}

	return totalUncompressed, nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}

	return name
}
