package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command fields
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CGetRQ    uint16 = 0x0010
	CGetRSP   uint16 = 0x8010
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CMoveRQ   uint16 = 0x0021
	CMoveRSP  uint16 = 0x8021
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CCancelRQ uint16 = 0x0FFF
)

// Data set type values
const (
	DataSetPresent uint16 = 0x0001
	NoDataSet      uint16 = 0x0101
)

// Priority values
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// Command is a DIMSE command set.
type Command struct {
	AffectedSOPClassUID       string
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	ErrorComment              string
	AffectedSOPInstanceUID    string
	MoveOriginatorAETitle     string
	MoveOriginatorMessageID   uint16

	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// IsResponse reports whether the command field denotes a response.
func (c *Command) IsResponse() bool {
	return c.CommandField&0x8000 != 0
}

// HasDataSet reports whether a data set follows the command.
func (c *Command) HasDataSet() bool {
	return c.CommandDataSetType != NoDataSet
}

// EncodeCommand serializes a command set in implicit VR little endian,
// including the group length element.
func EncodeCommand(c *Command) []byte {
	var body []byte
	put := func(element uint16, value []byte) {
		body = binary.LittleEndian.AppendUint16(body, 0x0000)
		body = binary.LittleEndian.AppendUint16(body, element)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(value)))
		body = append(body, value...)
	}
	putUS := func(element, v uint16) {
		put(element, binary.LittleEndian.AppendUint16(nil, v))
	}
	putString := func(element uint16, s string, pad byte) {
		b := []byte(s)
		if len(b)%2 == 1 {
			b = append(b, pad)
		}
		put(element, b)
	}

	response := c.IsResponse()
	if c.AffectedSOPClassUID != "" {
		putString(0x0002, c.AffectedSOPClassUID, 0)
	}
	putUS(0x0100, c.CommandField)
	if !response {
		putUS(0x0110, c.MessageID)
	} else {
		putUS(0x0120, c.MessageIDBeingRespondedTo)
	}
	if c.MoveDestination != "" {
		putString(0x0600, c.MoveDestination, ' ')
	}
	if !response && c.CommandField != CEchoRQ && c.CommandField != CCancelRQ {
		putUS(0x0700, c.Priority)
	}
	putUS(0x0800, c.CommandDataSetType)
	if response {
		putUS(0x0900, c.Status)
	}
	if c.ErrorComment != "" {
		putString(0x0902, c.ErrorComment, ' ')
	}
	if c.AffectedSOPInstanceUID != "" {
		putString(0x1000, c.AffectedSOPInstanceUID, 0)
	}
	for i, n := range []*uint16{
		c.NumberOfRemainingSuboperations,
		c.NumberOfCompletedSuboperations,
		c.NumberOfFailedSuboperations,
		c.NumberOfWarningSuboperations,
	} {
		if n != nil {
			putUS(0x1020+uint16(i), *n)
		}
	}
	if c.MoveOriginatorAETitle != "" {
		putString(0x1030, c.MoveOriginatorAETitle, ' ')
		putUS(0x1031, c.MoveOriginatorMessageID)
	}

	out := make([]byte, 0, 12+len(body))
	out = binary.LittleEndian.AppendUint16(out, 0x0000)
	out = binary.LittleEndian.AppendUint16(out, 0x0000)
	out = binary.LittleEndian.AppendUint32(out, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{CommandDataSetType: NoDataSet}
	for pos := 0; pos < len(data); {
		if len(data)-pos < 8 {
			return nil, fmt.Errorf("truncated command element at offset %d", pos)
		}
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		length := int(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += 8
		if length < 0 || pos+length > len(data) {
			return nil, fmt.Errorf("command element (%04X,%04X) overruns command set", group, element)
		}
		value := data[pos : pos+length]
		pos += length
		if group != 0x0000 {
			continue
		}

		us := func() uint16 {
			if len(value) < 2 {
				return 0
			}
			return binary.LittleEndian.Uint16(value)
		}
		str := func() string {
			return strings.TrimSpace(strings.TrimRight(string(value), "\x00 "))
		}
		switch element {
		case 0x0002:
			c.AffectedSOPClassUID = str()
		case 0x0100:
			c.CommandField = us()
		case 0x0110:
			c.MessageID = us()
		case 0x0120:
			c.MessageIDBeingRespondedTo = us()
		case 0x0600:
			c.MoveDestination = str()
		case 0x0700:
			c.Priority = us()
		case 0x0800:
			c.CommandDataSetType = us()
		case 0x0900:
			c.Status = us()
		case 0x0902:
			c.ErrorComment = str()
		case 0x1000:
			c.AffectedSOPInstanceUID = str()
		case 0x1020:
			n := us()
			c.NumberOfRemainingSuboperations = &n
		case 0x1021:
			n := us()
			c.NumberOfCompletedSuboperations = &n
		case 0x1022:
			n := us()
			c.NumberOfFailedSuboperations = &n
		case 0x1023:
			n := us()
			c.NumberOfWarningSuboperations = &n
		case 0x1030:
			c.MoveOriginatorAETitle = str()
		case 0x1031:
			c.MoveOriginatorMessageID = us()
		}
	}
	return c, nil
}
