package wire

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// utf16BE is the fixed-width UTF-16 big-endian codec used for W2KU
// parent-locator paths and the dynamic header's parent_unicode_name
// field. The VHD format stores no byte-order mark, so the codec is
// pinned to big-endian rather than sniffed (unicode.UseBOM would
// otherwise default to a BOM-dependent guess).
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeUTF16Path encodes a path as fixed-width big-endian UTF-16 for
// storage in a W2KU parent locator or parent_unicode_name field.
func EncodeUTF16Path(path string) ([]byte, error) {
	enc := utf16BE.NewEncoder()
	out, err := enc.String(path)
	if err != nil {
		return nil, fmt.Errorf("wire: encode utf16 path: %w", err)
	}
	return []byte(out), nil
}

// DecodeUTF16Path decodes fixed-width big-endian UTF-16 bytes back
// into a path string, trimming trailing NUL padding.
func DecodeUTF16Path(data []byte) (string, error) {
	dec := utf16BE.NewDecoder()
	out, err := dec.Bytes(data)
	if err != nil {
		return "", fmt.Errorf("wire: decode utf16 path: %w", err)
	}
	return strings.TrimRight(string(out), "\x00"), nil
}

// DecodeW2KUPath decodes a Windows parent-locator path: the drive
// letter is stripped and backslashes are mapped to forward slashes
//.
func DecodeW2KUPath(data []byte) (string, error) {
	raw, err := DecodeUTF16Path(data)
	if err != nil {
		return "", err
	}
	raw = strings.ReplaceAll(raw, "\\", "/")
	if len(raw) >= 2 && raw[1] == ':' {
		raw = raw[2:]
	}
	return raw, nil
}

// EncodeUTF8URI encodes a filesystem path as a MACX-style file:// URI.
func EncodeUTF8URI(path string) []byte {
	u := url.URL{Scheme: "file", Path: path}
	return []byte(u.String())
}

// DecodeUTF8URI decodes a MACX-style file:// URI back into a
// filesystem path.
func DecodeUTF8URI(data []byte) (string, error) {
	u, err := url.Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("wire: decode utf8 uri: %w", err)
	}
	if u.Scheme != "" && u.Scheme != "file" {
		return "", fmt.Errorf("wire: unexpected URI scheme %q", u.Scheme)
	}
	if u.Path != "" {
		return u.Path, nil
	}
	return u.Opaque, nil
}
