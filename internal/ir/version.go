package ir

// Version constants reported by the client.
const (
	// ProtocolVersion is the Phoenix channels serializer version spoken on the wire.
	ProtocolVersion = "2.0.0"

	// ClientVersion is the syncdb client version.
	ClientVersion = "0.1.0"
)
