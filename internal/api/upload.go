package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
)

// MaxUploadBytes caps a single upload. Larger media has no business on the
// signaling hub.
const MaxUploadBytes = 10 << 20 // 10 MiB

// UploadStore writes uploads under a directory and serves them back by their
// generated id.
type UploadStore struct {
	dir       string
	publicURL string
}

func NewUploadStore(dir, publicURL string) (*UploadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &UploadStore{dir: dir, publicURL: publicURL}, nil
}

// handleUpload streams the body to disk under a random file id. The original
// filename survives only as a sanitized suffix.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)

	name := sanitizeFilename(r.URL.Query().Get("name"))
	if name == "" {
		name = "upload.bin"
	}
	id, err := s.uploads.randomID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	fileID := id + "_" + name

	dst, err := os.Create(filepath.Join(s.uploads.dir, fileID))
	if err != nil {
		s.log.Error("upload: create", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	defer dst.Close()

	n, err := io.Copy(dst, r.Body)
	if err != nil {
		os.Remove(dst.Name())
		if strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large")
			return
		}
		s.log.Error("upload: copy", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":  s.uploads.publicURL + "/api/files/" + fileID,
		"name": name,
		"size": n,
	})
}

// handleFile serves a stored upload. The file id is sanitized before the
// path join so a crafted id can't escape the upload dir.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	fileID := sanitizeFilename(mux.Vars(r)["file_id"])
	if fileID == "" {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	path := filepath.Join(s.uploads.dir, fileID)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	http.ServeFile(w, r, path)
}

func (u *UploadStore) randomID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// sanitizeFilename strips path separators and dot-dot sequences, keeping a
// conservative character set.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" || strings.Contains(out, "..") {
		return ""
	}
	return out
}
