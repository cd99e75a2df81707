package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// defaultFragmentSize is used when the peer announces an unlimited PDU length.
const defaultFragmentSize = 64 * 1024

// Message is one DIMSE message: a command set and an optional data set in
// the transfer syntax of its presentation context.
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
}

// WriteMessage fragments a message into P-DATA-TF PDUs that respect the
// receiver's maximum PDU length.
func WriteMessage(w io.Writer, contextID byte, maxPDU uint32, cmd *Command, data []byte) error {
	if data != nil {
		cmd.CommandDataSetType = DataSetPresent
	} else {
		cmd.CommandDataSetType = NoDataSet
	}
	if err := writeFragments(w, contextID, maxPDU, EncodeCommand(cmd), true); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	if data == nil {
		return nil
	}
	if err := writeFragments(w, contextID, maxPDU, data, false); err != nil {
		return fmt.Errorf("failed to send data set: %w", err)
	}
	return nil
}

func writeFragments(w io.Writer, contextID byte, maxPDU uint32, payload []byte, command bool) error {
	// PDV item header: 4 byte length, context id, control header.
	chunk := int(maxPDU) - 6
	if maxPDU == 0 || chunk <= 0 {
		chunk = defaultFragmentSize
	}
	offset := 0
	for {
		end := offset + chunk
		if end > len(payload) {
			end = len(payload)
		}
		var control byte
		if command {
			control |= 0x01
		}
		if end == len(payload) {
			control |= 0x02
		}
		fragment := payload[offset:end]
		pdv := make([]byte, 0, 6+len(fragment))
		pdv = binary.BigEndian.AppendUint32(pdv, uint32(2+len(fragment)))
		pdv = append(pdv, contextID, control)
		pdv = append(pdv, fragment...)
		if err := WritePDU(w, PDUDataTF, pdv); err != nil {
			return err
		}
		if end == len(payload) {
			return nil
		}
		offset = end
	}
}

type pdv struct {
	contextID byte
	control   byte
	data      []byte
}

// MessageReader reassembles DIMSE messages from P-DATA-TF PDUs.
type MessageReader struct {
	r     io.Reader
	queue []pdv
}

// NewMessageReader wraps a connection.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{r: r}
}

// Next returns the next complete message. A-ABORT surfaces as *AbortError
// and A-RELEASE-RQ as ErrReleaseRequested.
func (mr *MessageReader) Next() (*Message, error) {
	var (
		cmdBuf, dataBuf []byte
		cmd             *Command
		contextID       byte
	)
	for {
		if len(mr.queue) == 0 {
			if err := mr.fill(); err != nil {
				return nil, err
			}
			continue
		}
		p := mr.queue[0]
		mr.queue = mr.queue[1:]

		if p.control&0x01 != 0 {
			contextID = p.contextID
			cmdBuf = append(cmdBuf, p.data...)
			if p.control&0x02 == 0 {
				continue
			}
			decoded, err := DecodeCommand(cmdBuf)
			if err != nil {
				return nil, err
			}
			cmd = decoded
			if !cmd.HasDataSet() {
				return &Message{ContextID: contextID, Command: cmd}, nil
			}
			continue
		}

		if cmd == nil {
			return nil, fmt.Errorf("%w: data set fragment before command", ErrUnexpectedPDU)
		}
		dataBuf = append(dataBuf, p.data...)
		if p.control&0x02 != 0 {
			return &Message{ContextID: contextID, Command: cmd, Data: dataBuf}, nil
		}
	}
}

func (mr *MessageReader) fill() error {
	pdu, err := ReadPDU(mr.r)
	if err != nil {
		return err
	}
	switch pdu.Type {
	case PDUDataTF:
	case PDUAbort:
		return abortFromPDU(pdu.Data)
	case PDUReleaseRQ:
		return ErrReleaseRequested
	default:
		return fmt.Errorf("%w: type 0x%02x during data transfer", ErrUnexpectedPDU, pdu.Type)
	}

	data := pdu.Data
	for len(data) > 0 {
		if len(data) < 6 {
			return fmt.Errorf("%w: truncated PDV", ErrUnexpectedPDU)
		}
		length := int(binary.BigEndian.Uint32(data[:4]))
		if length < 2 || len(data) < 4+length {
			return fmt.Errorf("%w: PDV length %d", ErrUnexpectedPDU, length)
		}
		mr.queue = append(mr.queue, pdv{
			contextID: data[4],
			control:   data[5],
			data:      data[6 : 4+length],
		})
		data = data[4+length:]
	}
	return nil
}

func abortFromPDU(data []byte) error {
	e := &AbortError{}
	if len(data) >= 4 {
		e.Source = data[2]
		e.Reason = data[3]
	}
	return e
}
