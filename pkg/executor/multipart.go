package executor

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	kflate "github.com/klauspost/compress/flate"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/getmockd/httpmon/pkg/routeconfig"
)

func init() {
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kflate.NewWriter(w, kflate.DefaultCompression)
	})
	zip.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return kflate.NewReader(r)
	})
}

func multipartHeader(fieldName, filename, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	if filename != "" {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fieldName, filename))
	} else {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, fieldName))
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

func partFieldExists(parts []part, fieldName string) bool {
	for _, p := range parts {
		if p.fieldName == fieldName {
			return true
		}
	}
	return false
}

func removePart(parts []part, fieldName string) []part {
	out := parts[:0]
	for _, p := range parts {
		if p.fieldName != fieldName {
			out = append(out, p)
		}
	}
	return out
}

// buildJSONPart marshals payload to JSON and encodes it into the target
// charset, falling back to raw UTF-8 bytes if the charset is unknown or
// the text can't be represented in it.
func buildJSONPart(fieldName string, payload any, targetEncoding string) part {
	if targetEncoding == "" {
		targetEncoding = "utf-8"
	}
	data := encodeJSONFieldBytes(payload, targetEncoding)
	return part{
		fieldName:   fieldName,
		contentType: fmt.Sprintf("application/json; charset=%s", targetEncoding),
		data:        data,
	}
}

// encodeJSONField renders payload as a query-parameter-friendly JSON
// string in the given target charset.
func encodeJSONField(payload any, targetEncoding string) string {
	return string(encodeJSONFieldBytes(payload, targetEncoding))
}

func encodeJSONFieldBytes(payload any, targetEncoding string) []byte {
	var text string
	switch v := payload.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(b)
		}
	}
	return reencodeText(text, targetEncoding)
}

func reencodeText(text, targetEncoding string) []byte {
	if targetEncoding == "" || strings.EqualFold(targetEncoding, "utf-8") || strings.EqualFold(targetEncoding, "utf8") {
		return []byte(text)
	}
	enc, err := htmlindex.Get(targetEncoding)
	if err != nil {
		return []byte(text)
	}
	encoded, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return []byte(text)
	}
	return encoded
}

// buildFilePart resolves a file_upload configuration into a multipart
// part: a zip archive when zip_enabled is set and the source is a
// directory or a file without a .zip extension, otherwise the file as is.
// A directory without zip_enabled is an error.
func buildFilePart(cfg *routeconfig.FileUploadConfig, targetEncoding string) (part, error) {
	path := expandHome(cfg.Path)
	info, err := os.Stat(path)
	if err != nil {
		return part{}, fmt.Errorf("executor: file_upload path %q: %w", cfg.Path, err)
	}

	fieldName := cfg.FieldName
	if fieldName == "" {
		fieldName = "file"
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	shouldZip := false
	if info.IsDir() {
		if !cfg.ZipEnabled {
			return part{}, fmt.Errorf("executor: %q is a directory; set zip_enabled: true to upload it", cfg.Path)
		}
		shouldZip = true
	} else if cfg.ZipEnabled && strings.ToLower(filepath.Ext(path)) != ".zip" {
		shouldZip = true
	}

	if shouldZip {
		data, err := buildZipArchive(path, info, targetEncoding)
		if err != nil {
			return part{}, err
		}
		base := filepath.Base(path)
		if !info.IsDir() {
			base = strings.TrimSuffix(base, filepath.Ext(base))
		}
		return part{
			fieldName:   fieldName,
			filename:    base + ".zip",
			contentType: "application/zip",
			data:        data,
		}, nil
	}

	if isTextContentType(contentType) {
		contentType = ensureTextCharset(contentType, targetEncoding)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return part{}, fmt.Errorf("executor: read file_upload %q: %w", cfg.Path, err)
	}
	return part{
		fieldName:   fieldName,
		filename:    filepath.Base(path),
		contentType: contentType,
		data:        data,
	}, nil
}

func isTextContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "text/")
}

func ensureTextCharset(contentType, targetEncoding string) string {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return contentType
	}
	enc := targetEncoding
	if enc == "" {
		enc = "utf-8"
	}
	return contentType + "; charset=" + enc
}

func buildZipArchive(source string, info os.FileInfo, targetEncoding string) ([]byte, error) {
	buf := &bytes.Buffer{}
	archive := zip.NewWriter(buf)

	if !info.IsDir() {
		if err := writeZipEntryReencoded(archive, source, filepath.Base(source), targetEncoding); err != nil {
			_ = archive.Close()
			return nil, err
		}
	} else {
		rootName := filepath.Base(source) + "/"
		if _, err := archive.Create(rootName); err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("executor: create zip root entry: %w", err)
		}
		var entries []string
		err := filepath.Walk(source, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if p == source {
				return nil
			}
			entries = append(entries, p)
			return nil
		})
		if err != nil {
			_ = archive.Close()
			return nil, fmt.Errorf("executor: walk directory %q: %w", source, err)
		}
		sort.Strings(entries)
		parent := filepath.Dir(source)
		for _, p := range entries {
			rel, _ := filepath.Rel(parent, p)
			rel = filepath.ToSlash(rel)
			fi, err := os.Stat(p)
			if err != nil {
				_ = archive.Close()
				return nil, err
			}
			if fi.IsDir() {
				if _, err := archive.Create(rel + "/"); err != nil {
					_ = archive.Close()
					return nil, err
				}
				continue
			}
			if err := writeZipEntryReencoded(archive, p, rel, targetEncoding); err != nil {
				_ = archive.Close()
				return nil, err
			}
		}
	}

	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("executor: close zip archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipEntryReencoded(archive *zip.Writer, path, arcname, targetEncoding string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("executor: read %q for archiving: %w", path, err)
	}
	data := reencodeBytes(raw, targetEncoding)
	w, err := archive.Create(arcname)
	if err != nil {
		return fmt.Errorf("executor: create zip entry %q: %w", arcname, err)
	}
	_, err = w.Write(data)
	return err
}

// reencodeBytes decodes raw as UTF-8 and re-encodes it into targetEncoding,
// falling back to the original bytes whenever either step fails (the
// source isn't valid UTF-8 text, or the target charset can't represent
// it).
func reencodeBytes(raw []byte, targetEncoding string) []byte {
	if targetEncoding == "" || strings.EqualFold(targetEncoding, "utf-8") || strings.EqualFold(targetEncoding, "utf8") {
		return raw
	}
	if len(raw) > 0 && !utf8.Valid(raw) {
		return raw
	}
	enc, err := htmlindex.Get(targetEncoding)
	if err != nil {
		return raw
	}
	out, err := enc.NewEncoder().Bytes(raw)
	if err != nil {
		return raw
	}
	return out
}
