package ds18b20

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"periph.io/x/conn/v3/onewire"

	"github.com/thatsimonsguy/seedling-controller/internal/faults"
)

// FamilyCode is the first ROM byte of every DS18B20.
const FamilyCode = 0x28

// ParseAddress parses a ROM code written family byte first, e.g.
// "28:FF:F3:77:88:16:03:6D". Colons, dashes and spaces are accepted as
// separators. The family code and ROM CRC are checked.
func ParseAddress(s string) (onewire.Address, error) {
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return 0, fmt.Errorf("%w: rom %q: %w", faults.ErrConfig, s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: rom %q is %d bytes, want 8", faults.ErrConfig, s, len(raw))
	}
	if raw[0] != FamilyCode {
		return 0, fmt.Errorf("%w: rom %q has family %#02x, want %#02x", faults.ErrConfig, s, raw[0], FamilyCode)
	}
	if !checkCRC(raw) {
		return 0, fmt.Errorf("%w: rom %q fails crc", faults.ErrConfig, s)
	}
	return onewire.Address(binary.LittleEndian.Uint64(raw)), nil
}

// FormatAddress renders addr family byte first, the inverse of ParseAddress.
func FormatAddress(addr onewire.Address) string {
	rom := romBytes(addr)
	parts := make([]string, len(rom))
	for i, b := range rom {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// romBytes returns the ROM in wire order, family code first.
func romBytes(addr onewire.Address) [8]byte {
	var rom [8]byte
	binary.LittleEndian.PutUint64(rom[:], uint64(addr))
	return rom
}
