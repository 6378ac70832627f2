package runlog

import (
	"log/slog"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceReport describes the host the run executes on
type DeviceReport struct {
	DeviceID      int
	Brand         string
	PhysicalCores int
	LogicalCores  int
	GOMAXPROCS    int
	AVX2          bool
	AVX512        bool
}

// Device inspects the local CPU
func Device(deviceID int) DeviceReport {
	return DeviceReport{
		DeviceID:      deviceID,
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Log writes the report as one line
func (d DeviceReport) Log(logger *slog.Logger) {
	logger.Info("device",
		"device_id", d.DeviceID,
		"cpu", d.Brand,
		"physical_cores", d.PhysicalCores,
		"logical_cores", d.LogicalCores,
		"gomaxprocs", d.GOMAXPROCS,
		"avx2", d.AVX2,
		"avx512", d.AVX512,
	)
}
