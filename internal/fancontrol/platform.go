package fancontrol

import (
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Platform describes the host the controller runs on.
type Platform struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Kernel    string `json:"kernel,omitempty"`
	Machine   string `json:"machine,omitempty"`
	Model     string `json:"model,omitempty"`
	Container bool   `json:"container"`
}

// IsRaspberryPi reports whether the device-tree model names a Raspberry Pi.
func (p Platform) IsRaspberryPi() bool {
	return strings.Contains(p.Model, "Raspberry Pi")
}

// LogValue keeps the platform on one log line.
func (p Platform) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("os", p.OS),
		slog.String("arch", p.Arch),
		slog.String("kernel", p.Kernel),
		slog.String("machine", p.Machine),
		slog.String("model", p.Model),
		slog.Bool("container", p.Container),
	)
}

var (
	modelPaths = []string{
		"/sys/firmware/devicetree/base/model",
		"/proc/device-tree/model",
	}
	containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}
	cgroupPath       = "/proc/1/cgroup"
)

// DetectPlatform gathers OS, board and container information.
func DetectPlatform() Platform {
	p := Platform{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Model:     boardModel(),
		Container: InContainer(),
	}
	p.Kernel, p.Machine = unameInfo()
	return p
}

func boardModel() string {
	for _, path := range modelPaths {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		model := strings.Trim(strings.TrimSpace(string(b)), "\x00")
		if model != "" {
			return model
		}
	}
	return ""
}

// InContainer reports whether the process runs inside Docker, Podman or a
// similar runtime.
func InContainer() bool {
	for _, m := range containerMarkers {
		if _, err := os.Stat(m); err == nil {
			return true
		}
	}
	b, err := os.ReadFile(cgroupPath)
	if err != nil {
		return false
	}
	s := string(b)
	for _, needle := range []string{"docker", "kubepods", "containerd", "libpod", "lxc"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
