package httpapi

import (
	"bytes"
	"fmt"
	"image"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

const (
	defaultPreviewWidth = 320
	maxPreviewWidth     = 1920
	previewQuality      = 80
)

// frameImage wraps packed RGB frame data as an image.
func frameImage(f *framequeue.Frame) (*image.NRGBA, error) {
	n := f.Width * f.Height
	if n <= 0 || len(f.Data) < n*3 {
		return nil, fmt.Errorf("httpapi: frame %d: %d bytes for %dx%d RGB", f.Seq, len(f.Data), f.Width, f.Height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < n; i++ {
		img.Pix[i*4] = f.Data[i*3]
		img.Pix[i*4+1] = f.Data[i*3+1]
		img.Pix[i*4+2] = f.Data[i*3+2]
		img.Pix[i*4+3] = 0xff
	}
	return img, nil
}

// encodePreview scales the frame to width (keeping aspect) and encodes JPEG.
func encodePreview(f *framequeue.Frame, width int) ([]byte, error) {
	img, err := frameImage(f)
	if err != nil {
		return nil, err
	}

	var out image.Image = img
	if width > 0 && width < f.Width {
		out = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		return nil, fmt.Errorf("httpapi: encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	width := defaultPreviewWidth
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPreviewWidth {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "width must be 1.." + strconv.Itoa(maxPreviewWidth)})
			return
		}
		width = n
	}

	view, ok := s.bus.Latest()
	if !ok || view.Frame == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no frame yet"})
		return
	}

	data, err := encodePreview(view.Frame, width)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(view.Frame.Seq, 10))
	w.Write(data)
}
