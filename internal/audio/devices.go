package audio

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// Diagnostic explains why an enumeration came back short.
type Diagnostic string

const (
	DiagOK                Diagnostic = ""
	DiagEnumerationFailed Diagnostic = "enumeration_failed"
	DiagNoDevices         Diagnostic = "no_devices"
)

// legacyNameLimit is the length at which some host APIs (Windows MME)
// truncate endpoint names. A truncated name is a prefix of the full one.
const legacyNameLimit = 31

// Device is one logical microphone after duplicate OS entries have been
// collapsed.
type Device struct {
	ID          string
	DisplayName string
	Channels    int
	IsDefault   bool
	IsAvailable bool

	aliases []string // raw IDs merged into this entry
}

// Matches reports whether id names this device or one of its merged entries.
func (d Device) Matches(id string) bool {
	if id == "" {
		return false
	}
	if d.ID == id {
		return true
	}
	for _, a := range d.aliases {
		if a == id {
			return true
		}
	}
	return false
}

func (d Device) String() string {
	if d.IsDefault {
		return d.DisplayName + " (default)"
	}
	return d.DisplayName
}

// Registry enumerates capture devices. Results are never cached: every call
// asks the backend again.
type Registry struct {
	backend Backend
	log     *slog.Logger
}

// NewRegistry creates a Registry over backend. A nil logger uses slog.Default.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, log: logger}
}

// List returns the consolidated device list. Enumeration failures yield an
// empty list and a diagnostic instead of an error.
func (r *Registry) List() ([]Device, Diagnostic) {
	raw, err := r.backend.Devices()
	if err != nil {
		r.log.Warn("audio: device enumeration failed", "error", err)
		return nil, DiagEnumerationFailed
	}
	if len(raw) == 0 {
		return nil, DiagNoDevices
	}
	return consolidate(raw), DiagOK
}

// Resolve picks the device to record from. A missing, unknown or
// unavailable preference falls back to the system default; the only error is
// having no device at all.
func (r *Registry) Resolve(preferredID string) (Device, error) {
	devices, diag := r.List()
	if len(devices) == 0 {
		return Device{}, fault.Newf(fault.DeviceUnavailable, "audio: resolve", "no capture devices (%s)", diag)
	}

	if preferredID != "" {
		for _, d := range devices {
			if d.Matches(preferredID) && d.IsAvailable {
				return d, nil
			}
		}
		r.log.Info("audio: preferred device unavailable, using default", "device_id", preferredID)
	}

	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return devices[0], nil
}

// Default returns the system default device.
func (r *Registry) Default() (Device, error) {
	return r.Resolve("")
}

// IsAvailable performs a live lookup of id.
func (r *Registry) IsAvailable(id string) bool {
	devices, _ := r.List()
	for _, d := range devices {
		if d.Matches(id) {
			return d.IsAvailable
		}
	}
	return false
}

// consolidate collapses raw entries that describe the same physical device.
// Entries are grouped by normalized name, with truncated legacy names merged
// into the full name they prefix. Within a group the default entry wins,
// then the one with more channels.
func consolidate(raw []RawDevice) []Device {
	type group struct {
		key     string
		members []RawDevice
	}
	var groups []*group

	for _, rd := range raw {
		key := normalizeName(rd.Name)
		var target *group
		for _, g := range groups {
			if sameDevice(g.key, key) {
				target = g
				break
			}
		}
		if target == nil {
			target = &group{key: key}
			groups = append(groups, target)
		}
		if len(key) > len(target.key) {
			target.key = key
		}
		target.members = append(target.members, rd)
	}

	devices := make([]Device, 0, len(groups))
	for _, g := range groups {
		best := g.members[0]
		for _, m := range g.members[1:] {
			if preferOver(m, best) {
				best = m
			}
		}

		name := best.Name
		isDefault := false
		var aliases []string
		for _, m := range g.members {
			if len(m.Name) > len(name) {
				name = m.Name
			}
			if m.IsDefault {
				isDefault = true
			}
			if m.ID != best.ID {
				aliases = append(aliases, m.ID)
			}
		}

		devices = append(devices, Device{
			ID:          best.ID,
			DisplayName: strings.TrimSpace(name),
			Channels:    best.Channels,
			IsDefault:   isDefault,
			IsAvailable: true,
			aliases:     aliases,
		})
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].IsDefault && !devices[j].IsDefault
	})
	return devices
}

func preferOver(a, b RawDevice) bool {
	if a.IsDefault != b.IsDefault {
		return a.IsDefault
	}
	return a.Channels > b.Channels
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func sameDevice(a, b string) bool {
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= legacyNameLimit && strings.HasPrefix(long, short)
}

// describe is used in log lines.
func describe(d Device) string {
	return fmt.Sprintf("%s [%s]", d.DisplayName, d.ID)
}
