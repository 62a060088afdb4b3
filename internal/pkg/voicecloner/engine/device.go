package engine

import (
	"fmt"
	"runtime"
	"strings"
)

// Device is a compute target for synthesis.
type Device string

const (
	DeviceCPU    Device = "cpu"
	DeviceAuto   Device = "auto"
	DeviceCUDA   Device = "cuda"
	DeviceCoreML Device = "coreml"
)

func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceCPU, DeviceAuto, DeviceCUDA, DeviceCoreML:
		return d, nil
	case "":
		return DeviceAuto, nil
	case "gpu":
		return DeviceCUDA, nil
	case "mps":
		return DeviceCoreML, nil
	default:
		return "", fmt.Errorf("unknown device %q (want cpu, auto, cuda or coreml)", s)
	}
}

// Platform identifies the host the engine runs on.
type Platform struct {
	OS   string
	Arch string
}

func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// DeviceChoice is the outcome of SelectDevice.
type DeviceChoice struct {
	Device Device
	// CPUFallback permits a backend to drop to cpu if the accelerator fails to load.
	CPUFallback bool
	// Override is non-empty when the requested device was replaced by policy.
	Override string
}

// SelectDevice resolves the requested device for platform. Accelerated
// inference on darwin is unstable with the voice cloning models and is always
// forced to cpu, whatever was requested.
func SelectDevice(platform Platform, requested Device) DeviceChoice {
	if requested == "" {
		requested = DeviceAuto
	}
	if requested == DeviceCPU {
		return DeviceChoice{Device: DeviceCPU}
	}
	if platform.OS == "darwin" {
		return DeviceChoice{
			Device:   DeviceCPU,
			Override: fmt.Sprintf("%s requested but accelerated inference is disabled on %s", requested, platform),
		}
	}
	if requested == DeviceAuto {
		return DeviceChoice{Device: DeviceCUDA, CPUFallback: true}
	}
	return DeviceChoice{Device: requested}
}
