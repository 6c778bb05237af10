package utils

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// CopyMD5 copies src to dst and returns the hex MD5 digest and length of
// what was copied.
func CopyMD5(dst io.Writer, src io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CalculateReaderMD5 consumes reader and returns its hex MD5 digest and length.
func CalculateReaderMD5(reader io.Reader) (string, int64, error) {
	return CopyMD5(io.Discard, reader)
}

// CalculateFileMD5 returns the hex MD5 digest and size of the file at path.
func CalculateFileMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return CalculateReaderMD5(f)
}

// IsHexString reports whether s contains only hexadecimal characters.
func IsHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
