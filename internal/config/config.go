package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Vision   VisionConfig   `yaml:"vision"`
	Identity IdentityConfig `yaml:"identity"`
	Tracking TrackingConfig `yaml:"tracking"`
	Live     LiveConfig     `yaml:"live"`
	Video    VideoConfig    `yaml:"video"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectorModel      string  `yaml:"detector_model"`
	DetectorFamily     string  `yaml:"detector_family"`
	ReIDModel          string  `yaml:"reid_model"`
	ReIDFamily         string  `yaml:"reid_family"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	NMSThreshold       float64 `yaml:"nms_threshold"`
	CropPadding        float64 `yaml:"crop_padding"`
	FrameWidth         int     `yaml:"frame_width"`
	InferenceThreads   int     `yaml:"inference_threads"`
	ORTLibrary         string  `yaml:"ort_library"`
}

// IdentityConfig tunes the live identity resolver. Distances are Euclidean
// between L2-normalized vectors, so they lie in [0, 2].
type IdentityConfig struct {
	MatchThreshold           float64       `yaml:"match_threshold"`
	EntryZoneMargin          float64       `yaml:"entry_zone_margin"` // fraction of frame size
	EntryZoneBonus           float64       `yaml:"entry_zone_bonus"`
	HighConfidence           float64       `yaml:"high_confidence"`
	HighConfidenceBonus      float64       `yaml:"high_confidence_bonus"`
	ActiveWindow             time.Duration `yaml:"active_window"`
	RecentWindow             time.Duration `yaml:"recent_window"`
	MaxTemporalPenalty       float64       `yaml:"max_temporal_penalty"`
	StaleAfter               time.Duration `yaml:"stale_after"`
	StaleDistanceRatio       float64       `yaml:"stale_distance_ratio"`
	MinCropArea              int           `yaml:"min_crop_area"`
	SizeWaiverConfidence     float64       `yaml:"size_waiver_confidence"`
	MinVariance              float64       `yaml:"min_variance"`
	StabilityFrames          int           `yaml:"stability_frames"`
	ConfirmConfidence        float64       `yaml:"confirm_confidence"`
	InstantConfirmConfidence float64       `yaml:"instant_confirm_confidence"`
	ConfidenceWindow         time.Duration `yaml:"confidence_window"`
	FeatureUpdateRate        float64       `yaml:"feature_update_rate"`
	UnconfirmedTTL           time.Duration `yaml:"unconfirmed_ttl"`
	CleanupInterval          time.Duration `yaml:"cleanup_interval"`
	PreloadHours             int           `yaml:"preload_hours"`
	TodayCacheTTL            time.Duration `yaml:"today_cache_ttl"`
}

type TrackingConfig struct {
	MaxMovement  float64       `yaml:"max_movement"`
	TrackTimeout time.Duration `yaml:"track_timeout"`
}

type LiveConfig struct {
	TargetFPS            int           `yaml:"target_fps"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MaxConnectAttempts   int           `yaml:"max_connect_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	DetectInterval       time.Duration `yaml:"detect_interval"`
	ReIDEvery            int           `yaml:"reid_every"`
	AnnotateInterval     time.Duration `yaml:"annotate_interval"`
	PersistInterval      time.Duration `yaml:"persist_interval"`
	PersistMinInterval   time.Duration `yaml:"persist_min_interval"`
	PersistOnChangeOnly  bool          `yaml:"persist_on_change_only"`
	OutputQueueSize      int           `yaml:"output_queue_size"`
	MinBoxWidth          int           `yaml:"min_box_width"`
	MinBoxHeight         int           `yaml:"min_box_height"`
	JPEGQuality          int           `yaml:"jpeg_quality"`
	ConfirmFrames        int           `yaml:"confirm_frames"`
	ReducedConfirmFrames int           `yaml:"reduced_confirm_frames"`
	ElevatedConfidence   float64       `yaml:"elevated_confidence"`
	InstantConfidence    float64       `yaml:"instant_confidence"`
	PendingTTL           time.Duration `yaml:"pending_ttl"`
	StopGrace            time.Duration `yaml:"stop_grace"`
}

type VideoConfig struct {
	QueueSize           int     `yaml:"queue_size"`
	UploadDir           string  `yaml:"upload_dir"`
	DefaultFrameSkip    int     `yaml:"default_frame_skip"`
	ProgressEvery       int     `yaml:"progress_every"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	BaseMovement        float64 `yaml:"base_movement"`
	MovementPerFrame    float64 `yaml:"movement_per_frame"`
	ThumbnailQuality    int     `yaml:"thumbnail_quality"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "reid"
	}

	v := &cfg.Vision
	if v.DetectorModel == "" {
		v.DetectorModel = "yolov8n.onnx"
	}
	if v.DetectorFamily == "" {
		v.DetectorFamily = "yolov8"
	}
	if v.ReIDModel == "" {
		v.ReIDModel = "osnet_x1_0.onnx"
	}
	if v.ReIDFamily == "" {
		v.ReIDFamily = "osnet"
	}
	if v.DetectionThreshold == 0 {
		v.DetectionThreshold = 0.5
	}
	if v.NMSThreshold == 0 {
		v.NMSThreshold = 0.45
	}
	if v.CropPadding == 0 {
		v.CropPadding = 0.05
	}
	if v.FrameWidth == 0 {
		v.FrameWidth = 1280
	}
	if v.InferenceThreads == 0 {
		v.InferenceThreads = 2
	}

	id := &cfg.Identity
	if id.MatchThreshold == 0 {
		id.MatchThreshold = 0.9
	}
	if id.EntryZoneMargin == 0 {
		id.EntryZoneMargin = 0.1
	}
	if id.EntryZoneBonus == 0 {
		id.EntryZoneBonus = 0.15
	}
	if id.HighConfidence == 0 {
		id.HighConfidence = 0.85
	}
	if id.HighConfidenceBonus == 0 {
		id.HighConfidenceBonus = 0.05
	}
	if id.ActiveWindow == 0 {
		id.ActiveWindow = 5 * time.Second
	}
	if id.RecentWindow == 0 {
		id.RecentWindow = 2 * time.Minute
	}
	if id.MaxTemporalPenalty == 0 {
		id.MaxTemporalPenalty = 0.2
	}
	if id.StaleAfter == 0 {
		id.StaleAfter = id.RecentWindow * 9 / 10
	}
	if id.StaleDistanceRatio == 0 {
		id.StaleDistanceRatio = 0.7
	}
	if id.MinCropArea == 0 {
		id.MinCropArea = 40 * 80
	}
	if id.SizeWaiverConfidence == 0 {
		id.SizeWaiverConfidence = 0.85
	}
	if id.MinVariance == 0 {
		id.MinVariance = 1e-8
	}
	if id.StabilityFrames == 0 {
		id.StabilityFrames = 1
	}
	if id.ConfirmConfidence == 0 {
		id.ConfirmConfidence = 0.6
	}
	if id.InstantConfirmConfidence == 0 {
		id.InstantConfirmConfidence = 0.9
	}
	if id.ConfidenceWindow == 0 {
		id.ConfidenceWindow = 30 * time.Second
	}
	if id.FeatureUpdateRate == 0 {
		id.FeatureUpdateRate = 0.1
	}
	if id.UnconfirmedTTL == 0 {
		id.UnconfirmedTTL = 5 * time.Minute
	}
	if id.CleanupInterval == 0 {
		id.CleanupInterval = time.Minute
	}
	if id.PreloadHours == 0 {
		id.PreloadHours = 24
	}
	if id.TodayCacheTTL == 0 {
		id.TodayCacheTTL = 10 * time.Second
	}

	if cfg.Tracking.MaxMovement == 0 {
		cfg.Tracking.MaxMovement = 120
	}
	if cfg.Tracking.TrackTimeout == 0 {
		cfg.Tracking.TrackTimeout = 3 * time.Second
	}

	l := &cfg.Live
	if l.TargetFPS == 0 {
		l.TargetFPS = 10
	}
	if l.MaxConsecutiveErrors == 0 {
		l.MaxConsecutiveErrors = 30
	}
	if l.MaxConnectAttempts == 0 {
		l.MaxConnectAttempts = 5
	}
	if l.RetryDelay == 0 {
		l.RetryDelay = 5 * time.Second
	}
	if l.ConnectTimeout == 0 {
		l.ConnectTimeout = 15 * time.Second
	}
	if l.LockTimeout == 0 {
		l.LockTimeout = 100 * time.Millisecond
	}
	if l.DetectInterval == 0 {
		l.DetectInterval = 200 * time.Millisecond
	}
	if l.ReIDEvery == 0 {
		l.ReIDEvery = 3
	}
	if l.AnnotateInterval == 0 {
		l.AnnotateInterval = 100 * time.Millisecond
	}
	if l.PersistInterval == 0 {
		l.PersistInterval = 5 * time.Second
	}
	if l.PersistMinInterval == 0 {
		l.PersistMinInterval = 10 * time.Second
	}
	if l.OutputQueueSize == 0 {
		l.OutputQueueSize = 5
	}
	if l.MinBoxWidth == 0 {
		l.MinBoxWidth = 20
	}
	if l.MinBoxHeight == 0 {
		l.MinBoxHeight = 40
	}
	if l.JPEGQuality == 0 {
		l.JPEGQuality = 75
	}
	if l.ConfirmFrames == 0 {
		l.ConfirmFrames = 5
	}
	if l.ReducedConfirmFrames == 0 {
		l.ReducedConfirmFrames = 3
	}
	if l.ElevatedConfidence == 0 {
		l.ElevatedConfidence = 0.75
	}
	if l.InstantConfidence == 0 {
		l.InstantConfidence = 0.92
	}
	if l.PendingTTL == 0 {
		l.PendingTTL = 30 * time.Second
	}
	if l.StopGrace == 0 {
		l.StopGrace = 5 * time.Second
	}

	vd := &cfg.Video
	if vd.QueueSize == 0 {
		vd.QueueSize = 16
	}
	if vd.UploadDir == "" {
		vd.UploadDir = "uploads"
	}
	if vd.DefaultFrameSkip == 0 {
		vd.DefaultFrameSkip = 5
	}
	if vd.ProgressEvery == 0 {
		vd.ProgressEvery = 25
	}
	if vd.SimilarityThreshold == 0 {
		vd.SimilarityThreshold = 0.7
	}
	if vd.BaseMovement == 0 {
		vd.BaseMovement = 80
	}
	if vd.MovementPerFrame == 0 {
		vd.MovementPerFrame = 15
	}
	if vd.ThumbnailQuality == 0 {
		vd.ThumbnailQuality = 85
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REID_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REID_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("REID_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("REID_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("REID_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("REID_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("REID_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("REID_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("REID_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("REID_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("REID_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("REID_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("REID_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("REID_ORT_LIBRARY"); v != "" {
		cfg.Vision.ORTLibrary = v
	}
	if v := os.Getenv("REID_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Identity.MatchThreshold = f
		}
	}
	if v := os.Getenv("REID_VIDEO_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Video.QueueSize = n
		}
	}
	if v := os.Getenv("REID_UPLOAD_DIR"); v != "" {
		cfg.Video.UploadDir = v
	}
	if v := os.Getenv("REID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
