package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUDataTF      byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Item types inside association PDUs
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	itemMaxLength             byte = 0x51
	itemImplementationClass   byte = 0x52
	itemRoleSelection         byte = 0x54
	itemImplementationVersion byte = 0x55
)

// Presentation context results carried in A-ASSOCIATE-AC.
const (
	ResultAcceptance                 byte = 0
	ResultUserRejection              byte = 1
	ResultNoReason                   byte = 2
	ResultAbstractSyntaxNotSupported byte = 3
	ResultTransferSyntaxNotSupported byte = 4
)

// maxPDUSize bounds the length accepted from a peer header.
const maxPDUSize = 64 << 20

// PDU is a raw protocol data unit without its 6 byte header.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one PDU from r.
func ReadPDU(r io.Reader) (*PDU, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > maxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d exceeds limit", ErrUnexpectedPDU, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// WritePDU writes one PDU to w.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, 6, 6+len(data))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// PresentationContext is one proposed or negotiated presentation context.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	// SCPRole requests the SCP role for the abstract syntax via role
	// selection. C-GET needs it on storage contexts.
	SCPRole bool

	Result         byte
	TransferSyntax string
}

// Accepted reports whether the peer accepted the context.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == ResultAcceptance && pc.TransferSyntax != ""
}

// AssociateRQ is the decoded form of A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContext
	MaxPDULength   uint32
	Implementation string
	Version        string
}

// AssociateAC is the decoded form of A-ASSOCIATE-AC.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContext
	MaxPDULength   uint32
	Implementation string
	Version        string
}

// Encode builds the A-ASSOCIATE-RQ variable field.
func (rq *AssociateRQ) Encode() []byte {
	buf := associateHeader(rq.CalledAETitle, rq.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))

	var roles []PresentationContext
	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0, 0, 0}
		value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationContextRQ, value)
		if pc.SCPRole {
			roles = append(roles, pc)
		}
	}

	user := userInformation(rq.MaxPDULength, rq.Implementation, rq.Version)
	seen := make(map[string]bool)
	for _, pc := range roles {
		if seen[pc.AbstractSyntax] {
			continue
		}
		seen[pc.AbstractSyntax] = true
		value := binary.BigEndian.AppendUint16(nil, uint16(len(pc.AbstractSyntax)))
		value = append(value, pc.AbstractSyntax...)
		value = append(value, 0, 1)
		user = appendItem(user, itemRoleSelection, value)
	}
	return appendItem(buf, itemUserInformation, user)
}

// Encode builds the A-ASSOCIATE-AC variable field.
func (ac *AssociateAC) Encode() []byte {
	buf := associateHeader(ac.CalledAETitle, ac.CallingAETitle)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range ac.Contexts {
		value := []byte{pc.ID, 0, pc.Result, 0}
		ts := pc.TransferSyntax
		if ts == "" && len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		value = appendItem(value, itemTransferSyntax, []byte(ts))
		buf = appendItem(buf, itemPresentationContextAC, value)
	}
	return appendItem(buf, itemUserInformation, userInformation(ac.MaxPDULength, ac.Implementation, ac.Version))
}

// DecodeAssociateRQ parses the variable field of an A-ASSOCIATE-RQ.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	called, calling, items, err := splitAssociate(data)
	if err != nil {
		return nil, err
	}
	rq := &AssociateRQ{CalledAETitle: called, CallingAETitle: calling}
	for _, it := range items {
		switch it.typ {
		case itemPresentationContextRQ:
			if len(it.value) < 4 {
				return nil, fmt.Errorf("%w: short presentation context", ErrUnexpectedPDU)
			}
			pc := PresentationContext{ID: it.value[0]}
			subs, err := splitItems(it.value[4:])
			if err != nil {
				return nil, err
			}
			for _, sub := range subs {
				switch sub.typ {
				case itemAbstractSyntax:
					pc.AbstractSyntax = trimUID(sub.value)
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(sub.value))
				}
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			roles, err := decodeUserInformation(it.value, &rq.MaxPDULength, &rq.Implementation, &rq.Version)
			if err != nil {
				return nil, err
			}
			for i := range rq.Contexts {
				if roles[rq.Contexts[i].AbstractSyntax] {
					rq.Contexts[i].SCPRole = true
				}
			}
		}
	}
	return rq, nil
}

// DecodeAssociateAC parses the variable field of an A-ASSOCIATE-AC. The
// proposed contexts are used to restore abstract syntaxes, which the AC
// does not repeat.
func DecodeAssociateAC(data []byte, proposed []PresentationContext) (*AssociateAC, error) {
	called, calling, items, err := splitAssociate(data)
	if err != nil {
		return nil, err
	}
	byID := make(map[byte]PresentationContext, len(proposed))
	for _, pc := range proposed {
		byID[pc.ID] = pc
	}

	ac := &AssociateAC{CalledAETitle: called, CallingAETitle: calling}
	for _, it := range items {
		switch it.typ {
		case itemPresentationContextAC:
			if len(it.value) < 4 {
				return nil, fmt.Errorf("%w: short presentation context", ErrUnexpectedPDU)
			}
			pc := byID[it.value[0]]
			pc.ID = it.value[0]
			pc.Result = it.value[2]
			subs, err := splitItems(it.value[4:])
			if err != nil {
				return nil, err
			}
			for _, sub := range subs {
				if sub.typ == itemTransferSyntax {
					pc.TransferSyntax = trimUID(sub.value)
				}
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			if _, err := decodeUserInformation(it.value, &ac.MaxPDULength, &ac.Implementation, &ac.Version); err != nil {
				return nil, err
			}
		}
	}
	return ac, nil
}

type item struct {
	typ   byte
	value []byte
}

func appendItem(buf []byte, typ byte, value []byte) []byte {
	buf = append(buf, typ, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func splitItems(data []byte) ([]item, error) {
	var items []item
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated item header", ErrUnexpectedPDU)
		}
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+length {
			return nil, fmt.Errorf("%w: truncated item 0x%02x", ErrUnexpectedPDU, data[0])
		}
		items = append(items, item{typ: data[0], value: data[4 : 4+length]})
		data = data[4+length:]
	}
	return items, nil
}

func associateHeader(called, calling string) []byte {
	buf := make([]byte, 0, 68)
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, padAET(called)...)
	buf = append(buf, padAET(calling)...)
	return append(buf, make([]byte, 32)...)
}

func splitAssociate(data []byte) (string, string, []item, error) {
	if len(data) < 68 {
		return "", "", nil, fmt.Errorf("%w: short association PDU", ErrUnexpectedPDU)
	}
	called := strings.TrimSpace(string(data[4:20]))
	calling := strings.TrimSpace(string(data[20:36]))
	items, err := splitItems(data[68:])
	return called, calling, items, err
}

func userInformation(maxLength uint32, implementation, version string) []byte {
	if implementation == "" {
		implementation = ImplementationClassUID
	}
	if version == "" {
		version = ImplementationVersionName
	}
	user := appendItem(nil, itemMaxLength, binary.BigEndian.AppendUint32(nil, maxLength))
	user = appendItem(user, itemImplementationClass, []byte(implementation))
	return appendItem(user, itemImplementationVersion, []byte(version))
}

func decodeUserInformation(data []byte, maxLength *uint32, implementation, version *string) (map[string]bool, error) {
	subs, err := splitItems(data)
	if err != nil {
		return nil, err
	}
	roles := make(map[string]bool)
	for _, sub := range subs {
		switch sub.typ {
		case itemMaxLength:
			if len(sub.value) == 4 {
				*maxLength = binary.BigEndian.Uint32(sub.value)
			}
		case itemImplementationClass:
			*implementation = trimUID(sub.value)
		case itemImplementationVersion:
			*version = strings.TrimSpace(string(sub.value))
		case itemRoleSelection:
			if len(sub.value) < 2 {
				continue
			}
			n := int(binary.BigEndian.Uint16(sub.value[:2]))
			if len(sub.value) < 2+n+2 {
				continue
			}
			roles[trimUID(sub.value[2:2+n])] = sub.value[2+n+1] == 1
		}
	}
	return roles, nil
}

// padAET pads AE Title to 16 bytes with spaces
func padAET(aet string) []byte {
	result := make([]byte, 16)
	copy(result, aet)
	for i := len(aet); i < 16; i++ {
		result[i] = ' '
	}
	return result
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
