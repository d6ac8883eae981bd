package events

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Environment answers the platform queries that fill the fixed extra schema.
// Every accessor reports whether the value was available; an unavailable
// value is written as the schema default instead.
type Environment interface {
	Device() (string, bool)
	DeviceModel() (string, bool)
	DeviceVendor() (string, bool)
	OS() (string, bool)
	OSVersion() (string, bool)
	CPUArchitecture() (string, bool)
	Platform() (string, bool)
	Vendor() (string, bool)
	HardwareConcurrency() (int, bool)
	ScreenSize() (width, height int, ok bool)
	Language() (string, bool)
	Timezone() (string, bool)
	UserAgent() (string, bool)
	IPAddress() (string, bool)
}

// StaticEnvironment is an Environment backed by fixed values. Empty strings
// and zero numbers count as unavailable.
type StaticEnvironment struct {
	DeviceName   string
	Model        string
	Manufacturer string
	OSName       string
	OSRelease    string
	Arch         string
	PlatformName string
	Brand        string
	CPUs         int
	ScreenWidth  int
	ScreenHeight int
	Locale       string
	TimezoneID   string
	Agent        string
	IP           string
}

func present(s string) (string, bool) { return s, s != "" }

func (e StaticEnvironment) Device() (string, bool)          { return present(e.DeviceName) }
func (e StaticEnvironment) DeviceModel() (string, bool)     { return present(e.Model) }
func (e StaticEnvironment) DeviceVendor() (string, bool)    { return present(e.Manufacturer) }
func (e StaticEnvironment) OS() (string, bool)              { return present(e.OSName) }
func (e StaticEnvironment) OSVersion() (string, bool)       { return present(e.OSRelease) }
func (e StaticEnvironment) CPUArchitecture() (string, bool) { return present(e.Arch) }
func (e StaticEnvironment) Platform() (string, bool)        { return present(e.PlatformName) }
func (e StaticEnvironment) Vendor() (string, bool)          { return present(e.Brand) }
func (e StaticEnvironment) Language() (string, bool)        { return present(e.Locale) }
func (e StaticEnvironment) Timezone() (string, bool)        { return present(e.TimezoneID) }
func (e StaticEnvironment) UserAgent() (string, bool)       { return present(e.Agent) }
func (e StaticEnvironment) IPAddress() (string, bool)       { return present(e.IP) }

func (e StaticEnvironment) HardwareConcurrency() (int, bool) {
	return e.CPUs, e.CPUs > 0
}

func (e StaticEnvironment) ScreenSize() (int, int, bool) {
	if e.ScreenWidth <= 0 || e.ScreenHeight <= 0 {
		return 0, 0, false
	}
	return e.ScreenWidth, e.ScreenHeight, true
}

// DetectEnvironment snapshots what the Go runtime and process environment
// can tell about the host. Screen size and IP are never known here.
func DetectEnvironment() StaticEnvironment {
	env := StaticEnvironment{
		OSName:       runtime.GOOS,
		Arch:         runtime.GOARCH,
		PlatformName: runtime.GOOS,
		CPUs:         runtime.NumCPU(),
		Locale:       detectLanguage(),
		TimezoneID:   time.Local.String(),
	}
	if host, err := os.Hostname(); err == nil {
		env.DeviceName = host
	}
	if env.TimezoneID == "Local" {
		env.TimezoneID = os.Getenv("TZ")
	}
	return env
}

// detectLanguage reads the POSIX locale variables, e.g. "en_US.UTF-8" -> "en".
func detectLanguage() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, "_.@"); i > 0 {
			v = v[:i]
		}
		return strings.ToLower(v)
	}
	return ""
}
