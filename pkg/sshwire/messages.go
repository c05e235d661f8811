package sshwire

import (
	"fmt"
)

// Message is a typed SSH protocol message that can be marshaled to a
// transport packet payload.
type Message interface {
	// MessageNumber returns the SSH message number carried in the first
	// payload byte.
	MessageNumber() byte

	// Marshal returns the complete payload, including the message number.
	Marshal() []byte
}

// UnknownMessageError is returned by Parse for a message number it does not
// handle. The transport replies to these with MsgUnimplemented rather than
// failing the connection.
type UnknownMessageError struct {
	Number byte
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("sshwire: unknown message number %d", e.Number)
}

// Disconnect (SSH_MSG_DISCONNECT) terminates the connection with a reason.
type Disconnect struct {
	Reason      uint32
	Description string
	Language    string
}

// MessageNumber implements Message.
func (m *Disconnect) MessageNumber() byte { return MsgDisconnect }

// Marshal implements Message.
func (m *Disconnect) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgDisconnect).
		Uint32(m.Reason).
		String(m.Description).
		String(m.Language).
		Payload()
}

// Ignore (SSH_MSG_IGNORE) carries data both sides must discard.
type Ignore struct {
	Data []byte
}

// MessageNumber implements Message.
func (m *Ignore) MessageNumber() byte { return MsgIgnore }

// Marshal implements Message.
func (m *Ignore) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgIgnore).Bytes(m.Data).Payload()
}

// Unimplemented (SSH_MSG_UNIMPLEMENTED) reports an unrecognized packet by its
// receive sequence number.
type Unimplemented struct {
	Sequence uint32
}

// MessageNumber implements Message.
func (m *Unimplemented) MessageNumber() byte { return MsgUnimplemented }

// Marshal implements Message.
func (m *Unimplemented) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgUnimplemented).Uint32(m.Sequence).Payload()
}

// Debug (SSH_MSG_DEBUG) carries free-form diagnostic text.
type Debug struct {
	AlwaysDisplay bool
	Text          string
	Language      string
}

// MessageNumber implements Message.
func (m *Debug) MessageNumber() byte { return MsgDebug }

// Marshal implements Message.
func (m *Debug) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgDebug).
		Bool(m.AlwaysDisplay).
		String(m.Text).
		String(m.Language).
		Payload()
}

// ServiceRequest (SSH_MSG_SERVICE_REQUEST) asks the peer to start a service
// such as "ssh-userauth".
type ServiceRequest struct {
	Name string
}

// MessageNumber implements Message.
func (m *ServiceRequest) MessageNumber() byte { return MsgServiceRequest }

// Marshal implements Message.
func (m *ServiceRequest) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgServiceRequest).String(m.Name).Payload()
}

// ServiceAccept (SSH_MSG_SERVICE_ACCEPT) confirms a ServiceRequest.
type ServiceAccept struct {
	Name string
}

// MessageNumber implements Message.
func (m *ServiceAccept) MessageNumber() byte { return MsgServiceAccept }

// Marshal implements Message.
func (m *ServiceAccept) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgServiceAccept).String(m.Name).Payload()
}

// KexInit (SSH_MSG_KEXINIT) advertises one side's algorithm preference lists,
// most-preferred first in every category.
type KexInit struct {
	Cookie                  [16]byte
	KexAlgorithms           []string
	HostKeyAlgorithms       []string
	CiphersClientToServer   []string
	CiphersServerToClient   []string
	MACsClientToServer      []string
	MACsServerToClient      []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexPacketFollows   bool
}

// MessageNumber implements Message.
func (m *KexInit) MessageNumber() byte { return MsgKexInit }

// Marshal implements Message.
func (m *KexInit) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgKexInit).
		Raw(m.Cookie[:]).
		NameList(m.KexAlgorithms).
		NameList(m.HostKeyAlgorithms).
		NameList(m.CiphersClientToServer).
		NameList(m.CiphersServerToClient).
		NameList(m.MACsClientToServer).
		NameList(m.MACsServerToClient).
		NameList(m.CompressionClientServer).
		NameList(m.CompressionServerClient).
		NameList(m.LanguagesClientServer).
		NameList(m.LanguagesServerClient).
		Bool(m.FirstKexPacketFollows).
		Uint32(0). // reserved
		Payload()
}

func parseKexInit(d *Decoder) (*KexInit, error) {
	var m KexInit
	for i := range m.Cookie {
		m.Cookie[i] = d.Byte()
	}
	m.KexAlgorithms = d.NameList()
	m.HostKeyAlgorithms = d.NameList()
	m.CiphersClientToServer = d.NameList()
	m.CiphersServerToClient = d.NameList()
	m.MACsClientToServer = d.NameList()
	m.MACsServerToClient = d.NameList()
	m.CompressionClientServer = d.NameList()
	m.CompressionServerClient = d.NameList()
	m.LanguagesClientServer = d.NameList()
	m.LanguagesServerClient = d.NameList()
	m.FirstKexPacketFollows = d.Bool()
	d.Uint32() // reserved
	if err := d.Close(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewKeys (SSH_MSG_NEWKEYS) activates the keys derived by the most recent
// key exchange for the sender's direction.
type NewKeys struct{}

// MessageNumber implements Message.
func (m *NewKeys) MessageNumber() byte { return MsgNewKeys }

// Marshal implements Message.
func (m *NewKeys) Marshal() []byte {
	return []byte{MsgNewKeys}
}

// UserauthRequest (SSH_MSG_USERAUTH_REQUEST) attempts one authentication
// method. MethodData is the method-specific tail of the payload.
type UserauthRequest struct {
	User       string
	Service    string
	Method     string
	MethodData []byte
}

// MessageNumber implements Message.
func (m *UserauthRequest) MessageNumber() byte { return MsgUserauthRequest }

// Marshal implements Message.
func (m *UserauthRequest) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgUserauthRequest).
		String(m.User).
		String(m.Service).
		String(m.Method).
		Raw(m.MethodData).
		Payload()
}

// UserauthFailure (SSH_MSG_USERAUTH_FAILURE) rejects an attempt and lists the
// methods the server is still willing to accept. PartialSuccess reports that
// the attempted method succeeded but more methods are required.
type UserauthFailure struct {
	MethodsThatCanContinue []string
	PartialSuccess         bool
}

// MessageNumber implements Message.
func (m *UserauthFailure) MessageNumber() byte { return MsgUserauthFailure }

// Marshal implements Message.
func (m *UserauthFailure) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgUserauthFailure).
		NameList(m.MethodsThatCanContinue).
		Bool(m.PartialSuccess).
		Payload()
}

// UserauthSuccess (SSH_MSG_USERAUTH_SUCCESS) completes authentication.
type UserauthSuccess struct{}

// MessageNumber implements Message.
func (m *UserauthSuccess) MessageNumber() byte { return MsgUserauthSuccess }

// Marshal implements Message.
func (m *UserauthSuccess) Marshal() []byte {
	return []byte{MsgUserauthSuccess}
}

// UserauthBanner (SSH_MSG_USERAUTH_BANNER) carries a message the server wants
// shown to the user before authentication completes.
type UserauthBanner struct {
	Text     string
	Language string
}

// MessageNumber implements Message.
func (m *UserauthBanner) MessageNumber() byte { return MsgUserauthBanner }

// Marshal implements Message.
func (m *UserauthBanner) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgUserauthBanner).String(m.Text).String(m.Language).Payload()
}

// GlobalRequest (SSH_MSG_GLOBAL_REQUEST) is a connection-wide request such as
// a keepalive probe.
type GlobalRequest struct {
	Name      string
	WantReply bool
	Payload   []byte
}

// MessageNumber implements Message.
func (m *GlobalRequest) MessageNumber() byte { return MsgGlobalRequest }

// Marshal implements Message.
func (m *GlobalRequest) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgGlobalRequest).
		String(m.Name).
		Bool(m.WantReply).
		Raw(m.Payload).
		Payload()
}

// RequestSuccess (SSH_MSG_REQUEST_SUCCESS) acknowledges a GlobalRequest.
type RequestSuccess struct {
	Payload []byte
}

// MessageNumber implements Message.
func (m *RequestSuccess) MessageNumber() byte { return MsgRequestSuccess }

// Marshal implements Message.
func (m *RequestSuccess) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgRequestSuccess).Raw(m.Payload).Payload()
}

// RequestFailure (SSH_MSG_REQUEST_FAILURE) refuses a GlobalRequest.
type RequestFailure struct{}

// MessageNumber implements Message.
func (m *RequestFailure) MessageNumber() byte { return MsgRequestFailure }

// Marshal implements Message.
func (m *RequestFailure) Marshal() []byte {
	return []byte{MsgRequestFailure}
}

// ChannelOpen (SSH_MSG_CHANNEL_OPEN) asks the peer to open a channel of the
// given type. SenderID is the opener's locally-chosen channel ID.
type ChannelOpen struct {
	ChannelType   string
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	TypeData      []byte
}

// MessageNumber implements Message.
func (m *ChannelOpen) MessageNumber() byte { return MsgChannelOpen }

// Marshal implements Message.
func (m *ChannelOpen) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelOpen).
		String(m.ChannelType).
		Uint32(m.SenderID).
		Uint32(m.InitialWindow).
		Uint32(m.MaxPacketSize).
		Raw(m.TypeData).
		Payload()
}

// ChannelOpenConfirm (SSH_MSG_CHANNEL_OPEN_CONFIRMATION) accepts a
// ChannelOpen and supplies the acceptor's ID, window and packet limit.
type ChannelOpenConfirm struct {
	RecipientID   uint32
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint32
	TypeData      []byte
}

// MessageNumber implements Message.
func (m *ChannelOpenConfirm) MessageNumber() byte { return MsgChannelOpenConfirm }

// Marshal implements Message.
func (m *ChannelOpenConfirm) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelOpenConfirm).
		Uint32(m.RecipientID).
		Uint32(m.SenderID).
		Uint32(m.InitialWindow).
		Uint32(m.MaxPacketSize).
		Raw(m.TypeData).
		Payload()
}

// ChannelOpenFailure (SSH_MSG_CHANNEL_OPEN_FAILURE) refuses a ChannelOpen
// with a reason code.
type ChannelOpenFailure struct {
	RecipientID uint32
	Reason      uint32
	Description string
	Language    string
}

// MessageNumber implements Message.
func (m *ChannelOpenFailure) MessageNumber() byte { return MsgChannelOpenFailure }

// Marshal implements Message.
func (m *ChannelOpenFailure) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelOpenFailure).
		Uint32(m.RecipientID).
		Uint32(m.Reason).
		String(m.Description).
		String(m.Language).
		Payload()
}

// ChannelWindowAdjust (SSH_MSG_CHANNEL_WINDOW_ADJUST) grants the peer Delta
// additional bytes of send window on a channel.
type ChannelWindowAdjust struct {
	RecipientID uint32
	Delta       uint32
}

// MessageNumber implements Message.
func (m *ChannelWindowAdjust) MessageNumber() byte { return MsgChannelWindowAdjust }

// Marshal implements Message.
func (m *ChannelWindowAdjust) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelWindowAdjust).
		Uint32(m.RecipientID).
		Uint32(m.Delta).
		Payload()
}

// ChannelData (SSH_MSG_CHANNEL_DATA) carries primary stream bytes.
type ChannelData struct {
	RecipientID uint32
	Data        []byte
}

// MessageNumber implements Message.
func (m *ChannelData) MessageNumber() byte { return MsgChannelData }

// Marshal implements Message.
func (m *ChannelData) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelData).
		Uint32(m.RecipientID).
		Bytes(m.Data).
		Payload()
}

// ChannelExtendedData (SSH_MSG_CHANNEL_EXTENDED_DATA) carries bytes on a
// secondary stream identified by Code (see ExtendedDataStderr).
type ChannelExtendedData struct {
	RecipientID uint32
	Code        uint32
	Data        []byte
}

// MessageNumber implements Message.
func (m *ChannelExtendedData) MessageNumber() byte { return MsgChannelExtendedData }

// Marshal implements Message.
func (m *ChannelExtendedData) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelExtendedData).
		Uint32(m.RecipientID).
		Uint32(m.Code).
		Bytes(m.Data).
		Payload()
}

// ChannelEOF (SSH_MSG_CHANNEL_EOF) signals that the sender will transmit no
// more data on the channel. The channel remains open for inbound data.
type ChannelEOF struct {
	RecipientID uint32
}

// MessageNumber implements Message.
func (m *ChannelEOF) MessageNumber() byte { return MsgChannelEOF }

// Marshal implements Message.
func (m *ChannelEOF) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelEOF).Uint32(m.RecipientID).Payload()
}

// ChannelClose (SSH_MSG_CHANNEL_CLOSE) requests channel teardown. A channel
// is destroyed only after a close has been both sent and received.
type ChannelClose struct {
	RecipientID uint32
}

// MessageNumber implements Message.
func (m *ChannelClose) MessageNumber() byte { return MsgChannelClose }

// Marshal implements Message.
func (m *ChannelClose) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelClose).Uint32(m.RecipientID).Payload()
}

// ChannelRequest (SSH_MSG_CHANNEL_REQUEST) is a channel-scoped request such
// as "pty-req", "exec" or "exit-status".
type ChannelRequest struct {
	RecipientID uint32
	Name        string
	WantReply   bool
	Payload     []byte
}

// MessageNumber implements Message.
func (m *ChannelRequest) MessageNumber() byte { return MsgChannelRequest }

// Marshal implements Message.
func (m *ChannelRequest) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelRequest).
		Uint32(m.RecipientID).
		String(m.Name).
		Bool(m.WantReply).
		Raw(m.Payload).
		Payload()
}

// ChannelSuccess (SSH_MSG_CHANNEL_SUCCESS) acknowledges a ChannelRequest.
type ChannelSuccess struct {
	RecipientID uint32
}

// MessageNumber implements Message.
func (m *ChannelSuccess) MessageNumber() byte { return MsgChannelSuccess }

// Marshal implements Message.
func (m *ChannelSuccess) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelSuccess).Uint32(m.RecipientID).Payload()
}

// ChannelFailure (SSH_MSG_CHANNEL_FAILURE) refuses a ChannelRequest.
type ChannelFailure struct {
	RecipientID uint32
}

// MessageNumber implements Message.
func (m *ChannelFailure) MessageNumber() byte { return MsgChannelFailure }

// Marshal implements Message.
func (m *ChannelFailure) Marshal() []byte {
	var e Encoder
	return e.Byte(MsgChannelFailure).Uint32(m.RecipientID).Payload()
}

// Parse decodes a transport packet payload into a typed message. Messages
// whose layout depends on negotiation context (key exchange bodies, userauth
// method-specific replies) are returned as ContextualMessage so the owning
// engine can finish decoding them.
//
// Decoding is atomic: on any error the returned Message is nil.
func Parse(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrShortPayload
	}
	num := payload[0]
	d := NewDecoder(payload[1:])

	switch num {
	case MsgDisconnect:
		m := &Disconnect{Reason: d.Uint32(), Description: d.String(), Language: d.String()}
		return closeMsg(m, d)
	case MsgIgnore:
		m := &Ignore{Data: d.Bytes()}
		return closeMsg(m, d)
	case MsgUnimplemented:
		m := &Unimplemented{Sequence: d.Uint32()}
		return closeMsg(m, d)
	case MsgDebug:
		m := &Debug{AlwaysDisplay: d.Bool(), Text: d.String(), Language: d.String()}
		return closeMsg(m, d)
	case MsgServiceRequest:
		m := &ServiceRequest{Name: d.String()}
		return closeMsg(m, d)
	case MsgServiceAccept:
		m := &ServiceAccept{Name: d.String()}
		return closeMsg(m, d)
	case MsgKexInit:
		return parseKexInit(d)
	case MsgNewKeys:
		return closeMsg(&NewKeys{}, d)
	case MsgUserauthRequest:
		m := &UserauthRequest{User: d.String(), Service: d.String(), Method: d.String(), MethodData: d.Rest()}
		return closeMsg(m, d)
	case MsgUserauthFailure:
		m := &UserauthFailure{MethodsThatCanContinue: d.NameList(), PartialSuccess: d.Bool()}
		return closeMsg(m, d)
	case MsgUserauthSuccess:
		return closeMsg(&UserauthSuccess{}, d)
	case MsgUserauthBanner:
		m := &UserauthBanner{Text: d.String(), Language: d.String()}
		return closeMsg(m, d)
	case MsgGlobalRequest:
		m := &GlobalRequest{Name: d.String(), WantReply: d.Bool(), Payload: d.Rest()}
		return closeMsg(m, d)
	case MsgRequestSuccess:
		m := &RequestSuccess{Payload: d.Rest()}
		return closeMsg(m, d)
	case MsgRequestFailure:
		return closeMsg(&RequestFailure{}, d)
	case MsgChannelOpen:
		m := &ChannelOpen{
			ChannelType:   d.String(),
			SenderID:      d.Uint32(),
			InitialWindow: d.Uint32(),
			MaxPacketSize: d.Uint32(),
			TypeData:      d.Rest(),
		}
		return closeMsg(m, d)
	case MsgChannelOpenConfirm:
		m := &ChannelOpenConfirm{
			RecipientID:   d.Uint32(),
			SenderID:      d.Uint32(),
			InitialWindow: d.Uint32(),
			MaxPacketSize: d.Uint32(),
			TypeData:      d.Rest(),
		}
		return closeMsg(m, d)
	case MsgChannelOpenFailure:
		m := &ChannelOpenFailure{
			RecipientID: d.Uint32(),
			Reason:      d.Uint32(),
			Description: d.String(),
			Language:    d.String(),
		}
		return closeMsg(m, d)
	case MsgChannelWindowAdjust:
		m := &ChannelWindowAdjust{RecipientID: d.Uint32(), Delta: d.Uint32()}
		return closeMsg(m, d)
	case MsgChannelData:
		m := &ChannelData{RecipientID: d.Uint32(), Data: d.Bytes()}
		return closeMsg(m, d)
	case MsgChannelExtendedData:
		m := &ChannelExtendedData{RecipientID: d.Uint32(), Code: d.Uint32(), Data: d.Bytes()}
		return closeMsg(m, d)
	case MsgChannelEOF:
		m := &ChannelEOF{RecipientID: d.Uint32()}
		return closeMsg(m, d)
	case MsgChannelClose:
		m := &ChannelClose{RecipientID: d.Uint32()}
		return closeMsg(m, d)
	case MsgChannelRequest:
		m := &ChannelRequest{RecipientID: d.Uint32(), Name: d.String(), WantReply: d.Bool(), Payload: d.Rest()}
		return closeMsg(m, d)
	case MsgChannelSuccess:
		m := &ChannelSuccess{RecipientID: d.Uint32()}
		return closeMsg(m, d)
	case MsgChannelFailure:
		m := &ChannelFailure{RecipientID: d.Uint32()}
		return closeMsg(m, d)
	case MsgKexDHInit, MsgKexDHReply, MsgUserauthInfoRequest, MsgUserauthInfoResponse:
		return &ContextualMessage{Number: num, Body: d.Rest()}, nil
	default:
		return nil, &UnknownMessageError{Number: num}
	}
}

// ContextualMessage wraps a message whose body layout depends on negotiated
// context. The owning engine decodes Body itself.
type ContextualMessage struct {
	Number byte
	Body   []byte
}

// MessageNumber implements Message.
func (m *ContextualMessage) MessageNumber() byte { return m.Number }

// Marshal implements Message.
func (m *ContextualMessage) Marshal() []byte {
	var e Encoder
	return e.Byte(m.Number).Raw(m.Body).Payload()
}

func closeMsg(m Message, d *Decoder) (Message, error) {
	if err := d.Close(); err != nil {
		return nil, err
	}
	return m, nil
}
