package upload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxImageSize = 5 << 20
	formField    = "image"
	// URLPrefix is where the stored files are served from.
	URLPrefix = "/uploads/"
)

var ErrNotAnImage = errors.New("only jpeg, png and gif images are allowed")

// allowedTypes maps an accepted extension to the content type its bytes must
// sniff as.
var allowedTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

type Handler struct {
	dir string
}

// NewHandler stores images under dir, creating it if needed.
func NewHandler(dir string) (*Handler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Handler{dir: dir}, nil
}

type uploadResponse struct {
	ImageURL string `json:"imageUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Upload accepts one multipart image and answers with the URL to put in a
// message's imageUrl.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart framing around the file itself.
	const maxBody = MaxImageSize + 64<<10
	if r.ContentLength > maxBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "image exceeds 5 MB"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	file, header, err := r.FormFile(formField)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "image exceeds 5 MB"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no file uploaded"})
		return
	}
	defer file.Close()

	if header.Size > MaxImageSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "image exceeds 5 MB"})
		return
	}

	name, err := h.save(file, header.Filename)
	if err != nil {
		if errors.Is(err, ErrNotAnImage) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		log.Printf("❌ upload %q: %v", header.Filename, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not store image"})
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{ImageURL: URLPrefix + name})
}

// save checks the extension and the sniffed content type, then writes the
// file under a random name keeping only the original extension.
func (h *Handler) save(src io.Reader, original string) (string, error) {
	ext := strings.ToLower(filepath.Ext(original))
	want, ok := allowedTypes[ext]
	if !ok {
		return "", ErrNotAnImage
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return "", ErrNotAnImage
		}
		return "", err
	}
	head = head[:n]
	if http.DetectContentType(head) != want {
		return "", ErrNotAnImage
	}

	name := uuid.NewString() + ext
	path := filepath.Join(h.dir, name)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head), src)); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return name, nil
}

// Files serves stored images.
func (h *Handler) Files() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(h.dir)))
}
