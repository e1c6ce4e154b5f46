package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	FormatNormalized = "normalized"
	FormatPixel      = "pixel"
)

type Config struct {
	Addr           string   `toml:"addr"`
	ModelPath      string   `toml:"model_path"`
	LibraryPath    string   `toml:"ort_library_path"`
	Backend        string   `toml:"backend"`
	LabelsPath     string   `toml:"labels_path"`
	InputSize      int      `toml:"input_size"`
	InputName      string   `toml:"input_name"`
	OutputName     string   `toml:"output_name"`
	ConfThreshold  float64  `toml:"conf_threshold"`
	IoUThreshold   float64  `toml:"iou_threshold"`
	MaxDetections  int      `toml:"max_detections"`
	ResponseFormat string   `toml:"response_format"`
	PoolSize       int      `toml:"pool_size"`
	AcquireTimeout Duration `toml:"acquire_timeout"` // 0 waits as long as the request lives
	IntraOpThreads int      `toml:"intra_op_threads"`
	MaxUploadMB    int      `toml:"max_upload_mb"`
	ReadTimeout    Duration `toml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	CORSOrigins    []string `toml:"cors_origins"`
	Debug          bool     `toml:"debug"`
}

// Duration is a time.Duration written as "5s" in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() *Config {
	return &Config{
		Addr:           "0.0.0.0:8000",
		ModelPath:      "yolov8n.onnx",
		Backend:        "onnxruntime",
		InputSize:      640,
		InputName:      "images",
		OutputName:     "output0",
		ConfThreshold:  0.25,
		IoUThreshold:   0.7,
		MaxDetections:  300,
		ResponseFormat: FormatNormalized,
		PoolSize:       1,
		MaxUploadMB:    32,
		ReadTimeout:    Duration(60 * time.Second),
		WriteTimeout:   Duration(60 * time.Second),
		CORSOrigins:    []string{"*"},
	}
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional .env file and the process environment, in that order. Variables
// already set in the environment win over the .env file.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("ADDR", c.Addr)
	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.LibraryPath = getEnv("ORT_LIBRARY_PATH", c.LibraryPath)
	c.Backend = getEnv("BACKEND", c.Backend)
	c.LabelsPath = getEnv("LABELS_PATH", c.LabelsPath)
	c.InputName = getEnv("INPUT_NAME", c.InputName)
	c.OutputName = getEnv("OUTPUT_NAME", c.OutputName)
	c.ResponseFormat = strings.ToLower(getEnv("RESPONSE_FORMAT", c.ResponseFormat))
	c.CORSOrigins = getEnvAsList("CORS_ORIGINS", c.CORSOrigins)

	var err error
	if c.InputSize, err = getEnvAsInt("INPUT_SIZE", c.InputSize); err != nil {
		return err
	}
	if c.MaxDetections, err = getEnvAsInt("MAX_DETECTIONS", c.MaxDetections); err != nil {
		return err
	}
	if c.PoolSize, err = getEnvAsInt("POOL_SIZE", c.PoolSize); err != nil {
		return err
	}
	if c.IntraOpThreads, err = getEnvAsInt("INTRA_OP_THREADS", c.IntraOpThreads); err != nil {
		return err
	}
	if c.MaxUploadMB, err = getEnvAsInt("MAX_UPLOAD_MB", c.MaxUploadMB); err != nil {
		return err
	}
	if c.ConfThreshold, err = getEnvAsFloat("CONF_THRESHOLD", c.ConfThreshold); err != nil {
		return err
	}
	if c.IoUThreshold, err = getEnvAsFloat("IOU_THRESHOLD", c.IoUThreshold); err != nil {
		return err
	}
	if c.AcquireTimeout, err = getEnvAsDuration("ACQUIRE_TIMEOUT", c.AcquireTimeout); err != nil {
		return err
	}
	if c.ReadTimeout, err = getEnvAsDuration("READ_TIMEOUT", c.ReadTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = getEnvAsDuration("WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return err
	}
	if c.Debug, err = getEnvAsBool("DEBUG", c.Debug); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model_path is empty"))
	}
	if c.Backend != "onnxruntime" && c.Backend != "opencv" {
		errs = append(errs, fmt.Errorf("backend %q is not one of onnxruntime, opencv", c.Backend))
	}
	if c.InputSize <= 0 || c.InputSize%32 != 0 {
		errs = append(errs, fmt.Errorf("input_size %d is not a positive multiple of 32", c.InputSize))
	}
	if c.InputName == "" || c.OutputName == "" {
		errs = append(errs, errors.New("input_name and output_name are required"))
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("conf_threshold %v is outside [0,1]", c.ConfThreshold))
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("iou_threshold %v is outside [0,1]", c.IoUThreshold))
	}
	if c.MaxDetections < 0 {
		errs = append(errs, fmt.Errorf("max_detections %d is negative", c.MaxDetections))
	}
	if c.ResponseFormat != FormatNormalized && c.ResponseFormat != FormatPixel {
		errs = append(errs, fmt.Errorf("response_format %q is not one of %s, %s", c.ResponseFormat, FormatNormalized, FormatPixel))
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("pool_size %d must be at least 1", c.PoolSize))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, errors.New("acquire_timeout is negative"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_mb %d must be positive", c.MaxUploadMB))
	}
	return errors.Join(errs...)
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return intValue, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return floatValue, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return boolValue, nil
}

func getEnvAsDuration(key string, defaultValue Duration) (Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return Duration(d), nil
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
