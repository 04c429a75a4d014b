package dbus

import (
	"encoding/binary"
	"fmt"
)

// HeaderField is a small integer code identifying one optional header
// field, as carried in the wire message's a(yv) header-field array.
type HeaderField byte

const (
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFDs     HeaderField = 9
)

// Message is one D-Bus wire message: a header plus a typed body.
type Message struct {
	Type  MessageType
	Flags Flags
	// Serial is this message's serial. It is assigned by
	// Connection.nextSerial and must never be zero on the wire.
	Serial uint32

	Destination string
	Sender      string
	Path        ObjectPath
	Interface   string
	Member      string
	ReplySerial uint32
	ErrorName   string

	// Sig describes Body. Body and Sig are both empty for a message
	// with no body.
	Sig  Signature
	Body []any

	// FDs holds the out-of-band file descriptors this message carries
	// (for outgoing messages, MarshalMessage overwrites it with the
	// UnixFD values found in Body; for incoming messages, the values
	// received alongside it).
	FDs []int
}

// byteOrderMark returns the single endian-marker byte used by this
// package for messages it produces: 'l' for little-endian.
const byteOrderMark = 'l'

// headerSig is the fixed prefix plus the a(yv) header-field array,
// encoded as a single complete type sequence so the codec's alignment
// tracking (relative to the start of the buffer it's given) lines up
// with the fixed prefix's true 12-byte wire offset instead of
// restarting from zero at the array itself.
const headerSig Signature = "yyyyuua(yv)"

// MarshalMessage encodes msg as a complete wire frame: the 12-byte
// fixed prefix, the a(yv) header-field array, padding to an 8-byte
// boundary, and the body. The produced stream is always little-endian
// regardless of the host's order, per spec.
func MarshalMessage(msg *Message) ([]byte, []int, error) {
	if msg.Serial == 0 {
		return nil, nil, &ProtocolError{Reason: "message serial must not be zero"}
	}
	order := binary.LittleEndian

	bodyBytes, bodyFDs, err := Marshal(order, msg.Sig, msg.Body)
	if err != nil {
		return nil, nil, err
	}
	// The header's unix-fds count must match what the body actually
	// references via UnixFD values, not whatever the caller happened to
	// set on msg.FDs beforehand.
	msg.FDs = bodyFDs

	headerValues := []any{
		byte(byteOrderMark), byte(msg.Type), byte(msg.Flags), byte(protocolVersion),
		uint32(len(bodyBytes)), msg.Serial, msg.headerFields(),
	}
	headerBytes, _, err := Marshal(order, headerSig, headerValues)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, len(headerBytes)+8+len(bodyBytes))
	out = append(out, headerBytes...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, bodyBytes...)

	return out, bodyFDs, nil
}

// headerFields builds the a(yv) struct array for msg's optional header
// fields, in field-code order.
func (msg *Message) headerFields() []any {
	var fields []any
	add := func(code HeaderField, v any) {
		fields = append(fields, Struct{byte(code), MakeVariant(v)})
	}
	if msg.Path != "" {
		add(FieldPath, msg.Path)
	}
	if msg.Interface != "" {
		add(FieldInterface, msg.Interface)
	}
	if msg.Member != "" {
		add(FieldMember, msg.Member)
	}
	if msg.ErrorName != "" {
		add(FieldErrorName, msg.ErrorName)
	}
	if msg.ReplySerial != 0 {
		add(FieldReplySerial, msg.ReplySerial)
	}
	if msg.Destination != "" {
		add(FieldDestination, msg.Destination)
	}
	if msg.Sender != "" {
		add(FieldSender, msg.Sender)
	}
	if msg.Sig != "" {
		add(FieldSignature, msg.Sig)
	}
	if len(msg.FDs) > 0 {
		add(FieldUnixFDs, uint32(len(msg.FDs)))
	}
	if fields == nil {
		fields = []any{}
	}
	return fields
}

// UnmarshalMessage decodes one complete message from the front of data.
// If data does not yet hold a complete message, it returns a nil
// message and the original data untouched, so the connection can
// buffer for the next read — it never returns a partial-read error for
// that case.
func UnmarshalMessage(data []byte, fds []int) (*Message, []byte, []int, error) {
	if len(data) < 16 {
		return nil, data, fds, nil
	}

	var order binary.ByteOrder
	switch data[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, data, fds, &ProtocolError{Reason: fmt.Sprintf("unknown endianness byte %q", data[0])}
	}

	msgType := MessageType(data[1])
	flags := Flags(data[2])
	version := data[3]
	if version != protocolVersion {
		return nil, data, fds, &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", version)}
	}
	bodyLen := order.Uint32(data[4:8])
	serial := order.Uint32(data[8:12])

	// The header-field array's own length prefix (always at a fixed
	// offset, regardless of its contents) tells us exactly how many
	// bytes the header occupies without needing to decode it, so we can
	// tell "not enough bytes yet" apart from a genuinely malformed
	// header before attempting to decode it.
	fieldsArrayLen := order.Uint32(data[12:16])
	headerEnd := 16 + int(fieldsArrayLen)
	pos := headerEnd
	for pos%8 != 0 {
		pos++
	}
	if pos+int(bodyLen) > len(data) {
		return nil, data, fds, nil // incomplete; wait for more bytes
	}

	// Decode the fixed prefix and the field array together in one pass,
	// from the message's true offset 0, so the array's alignment is
	// computed against the real wire position (16, already 8-aligned)
	// rather than restarting from a fresh zero offset at the array.
	headerValues, rest, restFDs, err := Unmarshal(order, headerSig, data[:headerEnd], fds)
	if err != nil {
		return nil, data, fds, err
	}
	if len(rest) != 0 {
		return nil, data, fds, &ProtocolError{Reason: "header field array length mismatch"}
	}

	msg := &Message{Type: msgType, Flags: flags, Serial: serial}
	fieldEntries, ok := headerValues[6].([]any)
	if !ok {
		return nil, data, fds, &ProtocolError{Reason: "malformed header field array"}
	}
	var numFDs int
	for _, fv := range fieldEntries {
		entry, ok := fv.(Struct)
		if !ok {
			return nil, data, fds, &ProtocolError{Reason: "malformed header field entry"}
		}
		code, _ := entry[0].(byte)
		variant, _ := entry[1].(Variant)
		if HeaderField(code) == FieldUnixFDs {
			n, ok := asUint64(variant.Value)
			if !ok {
				return nil, data, fds, &ProtocolError{Reason: "unix-fds header field is not a uint32"}
			}
			numFDs = int(n)
			continue
		}
		if err := msg.setHeaderField(HeaderField(code), variant); err != nil {
			return nil, data, fds, err
		}
	}

	// Scope this message's descriptors to exactly the count its own
	// header declared, rather than handing the whole accumulated pool
	// to Unmarshal: a UnixFD index is always relative to the message it
	// arrived with, never to descriptors delivered alongside other
	// messages buffered in the same read.
	if numFDs > len(restFDs) {
		return nil, data, fds, &ProtocolError{Reason: "fewer unix fds received than the header declared"}
	}
	msgFDs, remainingFDs := restFDs[:numFDs], restFDs[numFDs:]

	bodyBytes := data[pos : pos+int(bodyLen)]
	if msg.Sig != "" {
		body, leftover, _, err := Unmarshal(order, msg.Sig, bodyBytes, msgFDs)
		if err != nil {
			return nil, data, fds, err
		}
		if len(leftover) != 0 {
			return nil, data, fds, &ProtocolError{Reason: "trailing bytes in message body"}
		}
		msg.Body = body
	}
	msg.FDs = msgFDs

	if err := msg.validate(); err != nil {
		return nil, data, fds, err
	}

	return msg, data[pos+int(bodyLen):], remainingFDs, nil
}

func (msg *Message) setHeaderField(code HeaderField, v Variant) error {
	switch code {
	case FieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return &ProtocolError{Reason: "path header field is not an object path"}
		}
		msg.Path = p
	case FieldInterface:
		s, _ := v.Value.(string)
		msg.Interface = s
	case FieldMember:
		s, _ := v.Value.(string)
		msg.Member = s
	case FieldErrorName:
		s, _ := v.Value.(string)
		msg.ErrorName = s
	case FieldReplySerial:
		n, ok := asUint64(v.Value)
		if !ok {
			return &ProtocolError{Reason: "reply-serial header field is not a uint32"}
		}
		msg.ReplySerial = uint32(n)
	case FieldDestination:
		s, _ := v.Value.(string)
		msg.Destination = s
	case FieldSender:
		s, _ := v.Value.(string)
		msg.Sender = s
	case FieldSignature:
		s, ok := v.Value.(Signature)
		if !ok {
			return &ProtocolError{Reason: "signature header field is not a signature"}
		}
		msg.Sig = s
	default:
		// unknown header fields are ignored per the protocol.
	}
	return nil
}

// validate checks that msg carries the header fields its type requires,
// per spec.md §3's invariants.
func (msg *Message) validate() error {
	switch msg.Type {
	case TypeMethodCall:
		if msg.Path == "" || msg.Member == "" {
			return &ProtocolError{Reason: "method call missing path or member"}
		}
	case TypeMethodReturn, TypeError:
		if msg.ReplySerial == 0 {
			return &ProtocolError{Reason: "reply message missing reply-serial"}
		}
	case TypeSignal:
		if msg.Path == "" || msg.Interface == "" || msg.Member == "" {
			return &ProtocolError{Reason: "signal missing path, interface or member"}
		}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown message type %d", msg.Type)}
	}
	return nil
}
