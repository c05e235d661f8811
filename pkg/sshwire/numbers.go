package sshwire

// SSH message numbers, from RFC 4253 §12, RFC 4252 §6 and RFC 4254 §9.
const (
	MsgDisconnect     = 1
	MsgIgnore         = 2
	MsgUnimplemented  = 3
	MsgDebug          = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgKexInit = 20
	MsgNewKeys = 21

	// Key-exchange method specific message numbers. The payload layout of
	// these depends on the negotiated key exchange method, so this package
	// leaves their bodies to the key exchange engine.
	MsgKexDHInit  = 30
	MsgKexDHReply = 31

	MsgUserauthRequest = 50
	MsgUserauthFailure = 51
	MsgUserauthSuccess = 52
	MsgUserauthBanner  = 53

	// 60 and 61 are method-specific within the ssh-userauth service:
	// public-key PK_OK, keyboard-interactive INFO_REQUEST/INFO_RESPONSE.
	MsgUserauthPubKeyOK     = 60
	MsgUserauthInfoRequest  = 60
	MsgUserauthInfoResponse = 61

	MsgGlobalRequest  = 80
	MsgRequestSuccess = 81
	MsgRequestFailure = 82

	MsgChannelOpen         = 90
	MsgChannelOpenConfirm  = 91
	MsgChannelOpenFailure  = 92
	MsgChannelWindowAdjust = 93
	MsgChannelData         = 94
	MsgChannelExtendedData = 95
	MsgChannelEOF          = 96
	MsgChannelClose        = 97
	MsgChannelRequest      = 98
	MsgChannelSuccess      = 99
	MsgChannelFailure      = 100
)

// Disconnect reason codes, RFC 4253 §11.1.
const (
	DisconnectHostNotAllowedToConnect    = 1
	DisconnectProtocolError              = 2
	DisconnectKeyExchangeFailed          = 3
	DisconnectReserved                   = 4
	DisconnectMACError                   = 5
	DisconnectCompressionError           = 6
	DisconnectServiceNotAvailable        = 7
	DisconnectProtocolVersionNotSupport  = 8
	DisconnectHostKeyNotVerifiable       = 9
	DisconnectConnectionLost             = 10
	DisconnectByApplication              = 11
	DisconnectTooManyConnections         = 12
	DisconnectAuthCancelledByUser        = 13
	DisconnectNoMoreAuthMethodsAvailable = 14
	DisconnectIllegalUserName            = 15
)

// Channel open failure reason codes, RFC 4254 §5.1.
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// ExtendedDataStderr is the only extended data type code assigned by
// RFC 4254 §5.2; it carries diagnostic (stderr-style) output.
const ExtendedDataStderr = 1
