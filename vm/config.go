package vm

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// ConfigVersion is bumped whenever a parameter changes meaning.
const ConfigVersion = 1

var (
	ErrUnknownKey   = errors.New("unknown parameter")
	ErrInvalidValue = errors.New("invalid value")
)

// Kind is the value type of a configuration parameter.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindDevice  // disk slot bound to an image, stored on the VM's Disk
	KindUSBList // list of host USB devices
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDevice:
		return "device"
	case KindUSBList:
		return "usb-list"
	}
	return "unknown"
}

// USBDevice is a host USB device passed through to the guest.
type USBDevice struct {
	ID   string `json:"id"`
	Desc string `json:"desc,omitempty"`
}

func (d USBDevice) String() string { return d.ID }

type parameter struct {
	kind     Kind
	def      any
	min, max int
}

func str(def string) parameter { return parameter{kind: KindString, def: def} }
func boolean(def bool) parameter {
	return parameter{kind: KindBool, def: def}
}
func spin(def, lo, hi int) parameter {
	return parameter{kind: KindInt, def: def, min: lo, max: hi}
}

// Devices lists the disk slots of every VM, in argument order.
var Devices = []string{"hda", "hdb", "hdc", "hdd", "fda", "fdb", "mtdblock"}

var parameters = map[string]parameter{
	"name": str(""),

	// boot
	"boot":     str(""),
	"snapshot": boolean(false),

	// cdrom
	"deviceen": boolean(false),
	"device":   str(""),
	"cdromen":  boolean(false),
	"cdrom":    str(""),

	"use_virtio": boolean(false),

	"hda": {kind: KindDevice}, "privatehda": boolean(false),
	"hdb": {kind: KindDevice}, "privatehdb": boolean(false),
	"hdc": {kind: KindDevice}, "privatehdc": boolean(false),
	"hdd": {kind: KindDevice}, "privatehdd": boolean(false),
	"fda": {kind: KindDevice}, "privatefda": boolean(false),
	"fdb": {kind: KindDevice}, "privatefdb": boolean(false),
	"mtdblock": {kind: KindDevice}, "privatemtdblock": boolean(false),

	// system and machine
	"argv0":   str("qemu-system-i386"),
	"cpu":     str(""),
	"machine": str(""),
	"kvm":     boolean(false),
	"smp":     spin(1, 1, 64),
	"soundhw": str(""),

	// memory
	"ram":     spin(64, 1, 99999),
	"kvmsm":   boolean(false),
	"kvmsmem": spin(1, 0, 99999),

	// display
	"novga":    boolean(false),
	"vga":      boolean(false),
	"vnc":      boolean(false),
	"vncN":     spin(1, 0, 500),
	"sdl":      boolean(false),
	"portrait": boolean(false),

	// usb
	"usbmode":    boolean(false),
	"usbdevlist": {kind: KindUSBList, def: []USBDevice(nil)},

	// extra
	"rtc":      boolean(false),
	"tdf":      boolean(false),
	"keyboard": str(""),
	"serial":   boolean(false),

	// linux boot
	"kernelenbl": boolean(false),
	"kernel":     str(""),
	"initrdenbl": boolean(false),
	"initrd":     str(""),
	"kopt":       str(""),
	"gdb":        boolean(false),
	"gdbport":    spin(1234, 1, 65535),

	"icon":   str(""),
	"noacpi": str(""),
	"stdout": str(""),
	"loadvm": str(""),
}

// Keys returns every parameter name, sorted.
func Keys() []string {
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// KindOf returns the kind of key.
func KindOf(key string) (Kind, bool) {
	p, ok := parameters[key]
	return p.kind, ok
}

// Config holds the validated parameters of one virtual machine. Device
// parameters are not stored here; they live on the VM's disks.
type Config struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewConfig returns a Config with every parameter at its default.
func NewConfig() *Config {
	c := &Config{values: make(map[string]any, len(parameters))}
	for k, p := range parameters {
		if p.kind != KindDevice {
			c.values[k] = p.def
		}
	}
	return c
}

func lookup(key string, kind Kind) (parameter, error) {
	p, ok := parameters[key]
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if p.kind != kind {
		return p, fmt.Errorf("%w: %s is a %s parameter, not %s", ErrInvalidValue, key, p.kind, kind)
	}
	return p, nil
}

func (c *Config) get(key string, kind Kind) any {
	if _, err := lookup(key, kind); err != nil {
		panic(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *Config) set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// String returns a string parameter. Unknown keys or kind mismatches panic:
// they are programming errors.
func (c *Config) String(key string) string { return c.get(key, KindString).(string) }

// Bool returns a boolean parameter.
func (c *Config) Bool(key string) bool { return c.get(key, KindBool).(bool) }

// Int returns an integer parameter.
func (c *Config) Int(key string) int { return c.get(key, KindInt).(int) }

// USBDevices returns a copy of the USB device list.
func (c *Config) USBDevices() []USBDevice {
	return slices.Clone(c.get("usbdevlist", KindUSBList).([]USBDevice))
}

// SetString assigns a string parameter.
func (c *Config) SetString(key, v string) error {
	if _, err := lookup(key, KindString); err != nil {
		return err
	}
	c.set(key, v)
	return nil
}

// SetBool assigns a boolean parameter.
func (c *Config) SetBool(key string, v bool) error {
	if _, err := lookup(key, KindBool); err != nil {
		return err
	}
	c.set(key, v)
	return nil
}

// SetInt assigns an integer parameter after a range check.
func (c *Config) SetInt(key string, v int) error {
	p, err := lookup(key, KindInt)
	if err != nil {
		return err
	}
	if v < p.min || v > p.max {
		return fmt.Errorf("%w: %s=%d out of range [%d, %d]", ErrInvalidValue, key, v, p.min, p.max)
	}
	c.set(key, v)
	return nil
}

// SetUSBDevices replaces the USB device list. Empty and duplicate IDs are rejected.
func (c *Config) SetUSBDevices(devs []USBDevice) error {
	if _, err := lookup("usbdevlist", KindUSBList); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(devs))
	for _, d := range devs {
		if d.ID == "" {
			return fmt.Errorf("%w: empty USB device id", ErrInvalidValue)
		}
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: duplicate USB device %s", ErrInvalidValue, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	c.set("usbdevlist", slices.Clone(devs))
	return nil
}

// Parse assigns key from its text form. Device parameters are rejected;
// bind images through VirtualMachine.SetImage.
func (c *Config) Parse(key, text string) error {
	p, ok := parameters[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	switch p.kind {
	case KindString:
		return c.SetString(key, text)
	case KindBool:
		b, err := parseBool(text)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, text, err)
		}
		return c.SetBool(key, b)
	case KindInt:
		n, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, text, err)
		}
		return c.SetInt(key, n)
	case KindUSBList:
		var devs []USBDevice
		for id := range strings.FieldsFuncSeq(text, func(r rune) bool { return r == ',' || r == ' ' }) {
			devs = append(devs, USBDevice{ID: id})
		}
		return c.SetUSBDevices(devs)
	default:
		return fmt.Errorf("%w: %s is a device parameter", ErrInvalidValue, key)
	}
}

// Format returns the text form of key, the inverse of Parse.
func (c *Config) Format(key string) string {
	p, ok := parameters[key]
	if !ok || p.kind == KindDevice {
		return ""
	}
	c.mu.RLock()
	v := c.values[key]
	c.mu.RUnlock()
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case []USBDevice:
		ids := make([]string, len(val))
		for i, d := range val {
			ids[i] = d.ID
		}
		return strings.Join(ids, ",")
	}
	return ""
}

// Changed returns the text form of every parameter that differs from its
// default, keyed by name. Used for persistence.
func (c *Config) Changed() map[string]string {
	out := make(map[string]string)
	for k, p := range parameters {
		if p.kind == KindDevice {
			continue
		}
		if v := c.Format(k); v != p.defaultText() {
			out[k] = v
		}
	}
	return out
}

func (p parameter) defaultText() string {
	switch d := p.def.(type) {
	case string:
		return d
	case bool:
		return strconv.FormatBool(d)
	case int:
		return strconv.Itoa(d)
	}
	return ""
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off", "":
		return false, nil
	}
	return strconv.ParseBool(s)
}
