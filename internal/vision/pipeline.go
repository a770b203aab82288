package vision

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/reid/internal/config"
)

// Engines holds the ONNX models shared by the live and video pipelines.
type Engines struct {
	Detector  *YOLODetector
	Extractor *OSNetExtractor
}

// InitRuntime loads the ONNX Runtime shared library. Call DestroyRuntime on shutdown.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = defaultORTLibrary()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime (%s): %w", libPath, err)
	}
	return nil
}

func DestroyRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("destroy onnx runtime", "error", err)
	}
}

// LoadEngines initialises the detector and the feature extractor.
func LoadEngines(cfg config.VisionConfig) (*Engines, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.InferenceThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.InferenceThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	detPath := filepath.Join(cfg.ModelsDir, cfg.DetectorModel)
	slog.Info("loading detection model", "path", detPath, "family", cfg.DetectorFamily)
	det, err := NewYOLODetector(detPath, cfg.DetectorFamily, opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	if cfg.ReIDFamily != FamilyOSNet {
		det.Close()
		return nil, ErrUnknownFamily{Family: cfg.ReIDFamily}
	}

	reidPath := filepath.Join(cfg.ModelsDir, cfg.ReIDModel)
	slog.Info("loading re-id model", "path", reidPath)
	ext, err := NewOSNetExtractor(reidPath, opts)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load extractor: %w", err)
	}

	slog.Info("vision engines ready", "embedding_dim", ext.EmbeddingDim())
	return &Engines{Detector: det, Extractor: ext}, nil
}

func (e *Engines) Close() {
	e.Detector.Close()
	e.Extractor.Close()
}

func defaultORTLibrary() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
