package motion

import (
	"fmt"
	"strings"
	"time"
)

// CarLink is how the phone knows it is in a car
type CarLink string

// Car links
const (
	CarLinkBluetooth CarLink = "BLUETOOTH" // Car stereo or hands-free kit
	CarLinkCarMode   CarLink = "CAR_MODE"  // Projected car UI or car dock
)

// Base confidences for a connected car
const (
	carModeConfidence   = 0.9
	bluetoothConfidence = 0.85
	bothLinksConfidence = 0.95
)

// Bluetooth class of device values for car audio
const (
	classMajorMask       = 0x1F00
	classMajorAudioVideo = 0x0400
	classCarAudio        = 0x0420
	classHiFiAudio       = 0x0428
)

var carNamePatterns = []string{
	"car", "auto", "vehicle", "ford", "toyota", "honda", "bmw", "mercedes",
	"audi", "volkswagen", "vw", "chevrolet", "chevy", "nissan", "hyundai",
	"kia", "mazda", "subaru", "lexus", "acura", "infiniti", "jeep", "dodge",
	"chrysler", "ram", "buick", "cadillac", "gmc", "porsche", "tesla",
	"volvo", "jaguar", "land rover", "range rover", "mini", "fiat",
	"alfa romeo", "maserati", "ferrari", "lamborghini", "bentley",
	"rolls royce", "aston martin", "carplay", "sync", "uconnect", "mylink",
	"entune", "mbux", "idrive", "mmi", "sensus", "hands-free", "handsfree",
	"hfp", "a2dp",
}

// CarConnection reports a car link coming up or going down
type CarConnection struct {
	Link        CarLink   `json:"link"`
	Connected   bool      `json:"connected"`
	DeviceName  string    `json:"device_name,omitempty"`  // Bluetooth only
	DeviceClass int       `json:"device_class,omitempty"` // Bluetooth class of device
	Timestamp   time.Time `json:"timestamp"`
}

// LikelyCarDevice guesses from its name or class whether a Bluetooth device
// is a car audio system
func LikelyCarDevice(name string, class int) bool {
	if class == classCarAudio || class == classHiFiAudio || class&classMajorMask == classMajorAudioVideo {
		return true
	}
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	for _, p := range carNamePatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// carState tracks which car links are up
type carState struct {
	links map[CarLink]time.Time // Link -> connected since
}

// apply records c. It reports false for a Bluetooth connection to something
// that is not a car, which is ignored.
func (s *carState) apply(c CarConnection) (bool, error) {
	switch c.Link {
	case CarLinkBluetooth, CarLinkCarMode:
	default:
		return false, fmt.Errorf("unknown car link %q", c.Link)
	}
	if !c.Connected {
		delete(s.links, c.Link)
		return true, nil
	}
	if c.Link == CarLinkBluetooth && !LikelyCarDevice(c.DeviceName, c.DeviceClass) {
		return false, nil
	}
	if s.links == nil {
		s.links = make(map[CarLink]time.Time)
	}
	if _, ok := s.links[c.Link]; !ok {
		s.links[c.Link] = c.Timestamp
	}
	return true, nil
}

// confidence returns the DRIVING confidence for the links that are up, or
// false when none is
func (s *carState) confidence() (float64, bool) {
	_, bt := s.links[CarLinkBluetooth]
	_, mode := s.links[CarLinkCarMode]
	switch {
	case bt && mode:
		return bothLinksConfidence, true
	case mode:
		return carModeConfidence, true
	case bt:
		return bluetoothConfidence, true
	}
	return 0, false
}
