// Package vision wires face detection and embedding into the per-frame
// recognition pipeline.
package vision

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ffsho/AttendanceSystem/internal/config"
)

// ErrNoFace is returned when an image holds no usable face.
var ErrNoFace = errors.New("no face detected")

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	Detect(img image.Image) ([]Detection, error)
}

// FaceEmbedder turns a face crop into an embedding.
type FaceEmbedder interface {
	Embed(face image.Image) ([]float32, error)
}

// FaceAnalyzer runs detection then embedding on whole images. It is the
// embedder used for stored enrollment samples and uploaded photos.
type FaceAnalyzer struct {
	Detector FaceDetector
	Embedder FaceEmbedder
}

// BestFace returns the crop of the most confident face in img.
func (a *FaceAnalyzer) BestFace(img image.Image) (image.Image, Detection, error) {
	detections, err := a.Detector.Detect(img)
	if err != nil {
		return nil, Detection{}, fmt.Errorf("detect: %w", err)
	}
	if len(detections) == 0 {
		return nil, Detection{}, ErrNoFace
	}

	best := detections[0]
	for _, d := range detections[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}

	crop := CropFace(img, best.BBox)
	if crop == nil {
		return nil, best, fmt.Errorf("%w: empty crop", ErrNoFace)
	}
	return crop, best, nil
}

// Embed implements gallery.Embedder.
func (a *FaceAnalyzer) Embed(img image.Image) ([]float32, error) {
	crop, _, err := a.BestFace(img)
	if err != nil {
		return nil, err
	}
	embedding, err := a.Embedder.Embed(crop)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return embedding, nil
}

// Models owns the ONNX sessions of one process.
type Models struct {
	Detector *Detector
	Embedder *Embedder
}

// Analyzer returns a FaceAnalyzer over the loaded models.
func (m *Models) Analyzer() *FaceAnalyzer {
	return &FaceAnalyzer{Detector: m.Detector, Embedder: m.Embedder}
}

func (m *Models) Close() {
	if m.Detector != nil {
		m.Detector.Close()
	}
	if m.Embedder != nil {
		m.Embedder.Close()
	}
}

// LoadModels initialises the detection and embedding models from cfg.ModelsDir.
// InitRuntime must have been called.
func LoadModels(cfg config.VisionConfig) (*Models, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	slog.Info("vision models ready")
	return &Models{Detector: det, Embedder: emb}, nil
}

// InitRuntime loads the ONNX Runtime shared library. An empty libPath picks
// the platform default name.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = defaultONNXLibPath()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("destroy onnx runtime", "error", err)
	}
}

func defaultONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
