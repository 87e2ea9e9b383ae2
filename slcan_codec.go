package canport

import (
	"fmt"
	"strconv"
	"strings"
)

// SLCAN (Lawicel) line protocol encoding. Lines are terminated by CR, the
// device answers BEL for a rejected command.
const (
	CR  = 0x0D
	BEL = 0x07
)

var slcanBitrates = map[uint32]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// slcanBaudrateCommand maps a bit rate to its S command. A rate with
// RawBaudrateFlag set yields the s command carrying BTR0 and BTR1.
func slcanBaudrateCommand(rate uint32) (string, error) {
	if rate&RawBaudrateFlag == RawBaudrateFlag {
		return fmt.Sprintf("s%04X", btr01(rate)), nil
	}
	if cmd, ok := slcanBitrates[rate]; ok {
		return cmd, nil
	}
	return "", newError(InvalidBaudrate, "unsupported bit rate %d", rate)
}

// slcanFilter mirrors the SJA1000 acceptance registers in dual filter mode.
// Mask bits are 1 = don't care.
type slcanFilter struct {
	ac01, ac23 uint16
	am01, am23 uint16
}

func defaultSLCANFilter() slcanFilter {
	return slcanFilter{am01: 0xFFFF, am23: 0xFFFF}
}

// set updates one filter slot. mask uses 1 = relevant and is inverted here.
// A standard frame filter in slot 0 also opens the low nibble of the slot 1
// mask, which spoils an extended configuration of slot 1.
func (f *slcanFilter) set(slot int, code, mask uint32, extended bool) error {
	mask = (mask ^ MaxExtendedID) & MaxExtendedID
	switch slot {
	case 0:
		if extended {
			f.ac01 = uint16(code >> 13)
			f.am01 = uint16(mask >> 13)
		} else {
			f.ac01 = uint16(code << 5)
			f.am01 = uint16(mask<<5) | 0x1F
			f.am23 |= 0xF
		}
	case 1:
		if extended {
			f.ac23 = uint16(code >> 13)
			f.am23 = uint16(mask >> 13)
		} else {
			f.ac23 = uint16(code << 5)
			f.am23 = uint16(mask << 5)
		}
	default:
		return newError(InvalidFilter, "filter slot %d out of range", slot)
	}
	return nil
}

// commands returns the acceptance code (M) and mask (m) commands.
func (f slcanFilter) commands() (string, string) {
	return fmt.Sprintf("M%04X%04X", f.ac01, f.ac23), fmt.Sprintf("m%04X%04X", f.am01, f.am23)
}

// slcanEncode renders msg as a t or T command without the terminator.
func slcanEncode(msg *Message) string {
	var b strings.Builder
	if msg.Extended() {
		fmt.Fprintf(&b, "T%08X", msg.ID()&MaxExtendedID)
	} else {
		fmt.Fprintf(&b, "t%03X", msg.ID()&MaxStandardID)
	}
	fmt.Fprintf(&b, "%X", msg.Len())
	for i := 0; i < msg.Len(); i++ {
		fmt.Fprintf(&b, "%02X", msg.Data(i))
	}
	return b.String()
}

// slcanDecode parses a received t or T line. Trailing characters after the
// payload, such as a device timestamp, are ignored.
func slcanDecode(line string) (*Message, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, extended = 8, true
	default:
		return nil, fmt.Errorf("not a frame: %q", line)
	}
	if len(line) < 1+idLen+1 {
		return nil, fmt.Errorf("frame too short: %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identifier: %w", err)
	}
	if extended && id > MaxExtendedID {
		return nil, fmt.Errorf("identifier out of range: %X", id)
	}
	if !extended && id > MaxStandardID {
		return nil, fmt.Errorf("identifier out of range: %X", id)
	}
	dlc, err := strconv.ParseUint(line[1+idLen:2+idLen], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data length: %w", err)
	}
	if dlc > MaxDataLength {
		return nil, fmt.Errorf("invalid data length: %d", dlc)
	}
	start := 2 + idLen
	if len(line) < start+int(dlc)*2 {
		return nil, fmt.Errorf("frame body too short: %q", line)
	}
	msg := NewMessage(uint32(id), int(dlc), extended)
	for i := 0; i < int(dlc); i++ {
		b, err := strconv.ParseUint(line[start+i*2:start+i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame body: %w", err)
		}
		msg.SetData(i, byte(b))
	}
	return msg, nil
}

/*
Status flags returned by the F command:

Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI), see SJA1000 datasheet
Bit 3 Data Overrun (DOI), see SJA1000 datasheet
Bit 4 Not used.
Bit 5 Error Passive (EPI), see SJA1000 datasheet
Bit 6 Arbitration Lost (ALI), see SJA1000 datasheet
Bit 7 Bus Error (BEI), see SJA1000 datasheet
*/
const (
	slcanStatusErrorPassive = 1 << 5
	slcanStatusBusError     = 1 << 7
)

// slcanDecodeStatus maps an F response to an adapter state.
func slcanDecodeStatus(rsp string) State {
	if len(rsp) < 3 || rsp[0] != 'F' {
		return StateUnknown
	}
	status, err := strconv.ParseUint(rsp[1:3], 16, 8)
	if err != nil {
		return StateUnknown
	}
	switch {
	case status&slcanStatusBusError != 0:
		return StateBusOff
	case status&slcanStatusErrorPassive != 0:
		return StateErrorPassive
	}
	return StateUnknown
}
