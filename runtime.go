package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// sharedLibraryName is the ONNX Runtime library file for this platform.
func sharedLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// resolveSharedLibrary picks the ONNX Runtime library. A configured path must
// exist. Otherwise ./lib and the lib directory next to the executable are
// searched, and as a last resort the bare name is left to the dynamic loader.
func resolveSharedLibrary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("onnxruntime library: %w", err)
		}
		return configured, nil
	}

	name := sharedLibraryName()
	candidates := []string{filepath.Join("lib", name)}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "lib", name))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return filepath.Abs(c)
		}
	}
	return name, nil
}

// initRuntime loads the ONNX Runtime library once for the whole process.
func initRuntime(libraryPath string) (func() error, error) {
	path, err := resolveSharedLibrary(libraryPath)
	if err != nil {
		return nil, err
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment from %s: %w", path, err)
	}
	return ort.DestroyEnvironment, nil
}

func checkModelFile(modelPath string) error {
	info, err := os.Stat(modelPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory: %s", modelPath)
	}
	return nil
}
