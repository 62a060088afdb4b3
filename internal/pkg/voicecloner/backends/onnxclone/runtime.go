package onnxclone

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"voicecloner/internal/pkg/voicecloner/engine"
)

var libCandidates = map[string][]string{
	"linux": {
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"./libonnxruntime.so",
		"./lib/libonnxruntime.so",
	},
	"windows": {
		"onnxruntime.dll",
		"./onnxruntime.dll",
		"./lib/onnxruntime.dll",
	},
	"darwin": {
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"./libonnxruntime.dylib",
	},
}

var libDefaults = map[string]string{
	"windows": "onnxruntime.dll",
	"darwin":  "libonnxruntime.dylib",
}

// libPath finds the onnxruntime shared library. ONNXRUNTIME_LIB_PATH wins;
// otherwise the first existing candidate for goos, else the bare library
// name for the dynamic loader to resolve.
func libPath(goos string) string {
	if p := os.Getenv("ONNXRUNTIME_LIB_PATH"); p != "" {
		return p
	}
	for _, p := range libCandidates[goos] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if name, ok := libDefaults[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

var runtimeMu sync.Mutex

// initRuntime initialises the process-wide onnxruntime environment once. It
// stays up until the process exits.
func initRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	path := libPath(runtime.GOOS)
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime from %s: %w", path, err)
	}
	log.Debug().Str("lib", path).Msg("ONNX runtime initialized")
	return nil
}

// sessionOptions builds options that place inference on device. The caller
// destroys the result.
func sessionOptions(device engine.Device) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	switch device {
	case engine.DeviceCPU:
	case engine.DeviceCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to configure CUDA: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("CUDA execution provider unavailable: %w", err)
		}
	case engine.DeviceCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("CoreML execution provider unavailable: %w", err)
		}
	default:
		opts.Destroy()
		return nil, fmt.Errorf("unsupported device %q", device)
	}
	return opts, nil
}
