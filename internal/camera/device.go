package camera

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device is a V4L2 video device node.
type Device struct {
	ID   string // "video0"
	Path string // "/dev/video0"
	Name string // from sysfs, if available
}

// DiscoverDevices lists video device nodes under devDir in index order.
// Names are read from sysfsDir (normally /sys/class/video4linux) when present.
func DiscoverDevices(devDir, sysfsDir string) ([]Device, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", devDir)
	}

	var devices []Device
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(name, "video")); err != nil {
			continue
		}
		if e.Type()&os.ModeDevice == 0 {
			continue
		}
		dev := Device{ID: name, Path: filepath.Join(devDir, name), Name: name}
		if raw, err := os.ReadFile(filepath.Join(sysfsDir, name, "name")); err == nil {
			dev.Name = strings.TrimSpace(string(raw))
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(devices[i].ID, "video"))
		b, _ := strconv.Atoi(strings.TrimPrefix(devices[j].ID, "video"))
		return a < b
	})
	return devices, nil
}

// ResolveDevice returns path unless it is empty or "auto", in which case the
// first discovered device is used.
func ResolveDevice(path string) (string, error) {
	if path != "" && path != "auto" {
		return path, nil
	}
	devices, err := DiscoverDevices("/dev", "/sys/class/video4linux")
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", NewDriverError("discover", KindDisconnected, errors.New("no such device: no /dev/video* nodes"))
	}
	return devices[0].Path, nil
}
