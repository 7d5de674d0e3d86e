package device

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

// DefaultDeviceDir is where ALSA exposes its device nodes.
const DefaultDeviceDir = "/dev/snd"

// capture PCM nodes are named pcmC<card>D<device>c.
var captureNode = regexp.MustCompile(`^pcmC(\d+)D(\d+)c$`)

// Device is one capture endpoint.
type Device struct {
	ID     string `json:"id"` // usable as Constraints.DeviceID
	Card   int    `json:"card"`
	Device int    `json:"device"`
	Node   string `json:"node"`
}

// ListCaptureDevices returns the capture devices found in dir, ordered by
// card then device. A missing directory yields an empty list.
func ListCaptureDevices(dir string) ([]Device, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Device{}, nil
		}
		return nil, fmt.Errorf("read device dir: %w", err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		m := captureNode.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		card, _ := strconv.Atoi(m[1])
		dev, _ := strconv.Atoi(m[2])
		devices = append(devices, Device{
			ID:     fmt.Sprintf("hw:%d,%d", card, dev),
			Card:   card,
			Device: dev,
			Node:   entry.Name(),
		})
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Card != devices[j].Card {
			return devices[i].Card < devices[j].Card
		}
		return devices[i].Device < devices[j].Device
	})
	return devices, nil
}

// Equal reports whether two device lists are identical.
func Equal(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
