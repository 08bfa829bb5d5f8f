package utils

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

var macRE = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// GenerateMAC returns a random MAC address in the 00:aa:xx:xx:xx:xx range
// used for emulated NICs.
func GenerateMAC() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate MAC: %w", err)
	}
	return fmt.Sprintf("00:aa:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3]), nil
}

// ValidMAC reports whether mac is six colon separated hex octets.
func ValidMAC(mac string) bool {
	return macRE.MatchString(mac)
}
