package types

// ClientMessageType names a message sent from the SDK to the relay server.
type ClientMessageType string

const (
	ClientHostSession      ClientMessageType = "HostSession"
	ClientIsLinked         ClientMessageType = "IsLinked"
	ClientGetSessionConfig ClientMessageType = "GetSessionConfig"
	ClientSetSessionConfig ClientMessageType = "SetSessionConfig"
	ClientPublishEvent     ClientMessageType = "PublishEvent"
)

// ClientMessage is the JSON frame the SDK sends over the relay websocket.
// Fields unused by a given type are omitted.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	ID          int64             `json:"id"`
	SessionID   string            `json:"sessionId"`
	SessionKey  string            `json:"sessionKey,omitempty"`
	Event       string            `json:"event,omitempty"`
	Data        string            `json:"data,omitempty"`
	CallWebhook bool              `json:"callWebhook,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ServerMessageType names a message pushed or replied by the relay server.
type ServerMessageType string

const (
	ServerOK                   ServerMessageType = "OK"
	ServerFail                 ServerMessageType = "Fail"
	ServerIsLinkedOK           ServerMessageType = "IsLinkedOK"
	ServerLinked               ServerMessageType = "Linked"
	ServerGetSessionConfigOK   ServerMessageType = "GetSessionConfigOK"
	ServerSessionConfigUpdated ServerMessageType = "SessionConfigUpdated"
	ServerPublishEventOK       ServerMessageType = "PublishEventOK"
	ServerEvent                ServerMessageType = "Event"
)

// ServerMessage is the JSON frame received from the relay. Replies carry the
// id of the request they answer; pushes carry id 0.
type ServerMessage struct {
	Type         ServerMessageType `json:"type"`
	ID           int64             `json:"id,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Error        string            `json:"error,omitempty"`
	Linked       bool              `json:"linked,omitempty"`
	OnlineGuests int               `json:"onlineGuests,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	EventID      string            `json:"eventId,omitempty"`
	Event        string            `json:"event,omitempty"`
	Data         string            `json:"data,omitempty"`
}

// IsReply reports whether m answers a client request.
func (m *ServerMessage) IsReply() bool {
	return m.ID != 0
}

// HeartbeatFrame is the literal frame exchanged in both directions.
const HeartbeatFrame = "h"

// Relay event names carried in PublishEvent / Event messages.
const (
	EventWeb3Request         = "Web3Request"
	EventWeb3RequestCanceled = "Web3RequestCanceled"
	EventWeb3Response        = "Web3Response"
)

// Session metadata keys pushed by the relay.
const (
	MetadataDestroyed       = "__destroyed"
	MetadataEthereumAddress = "EthereumAddress"
	MetadataWalletUsername  = "WalletUsername"
	MetadataAppVersion      = "AppVersion"
	MetadataChainID         = "ChainId"
	MetadataJSONRPCURL      = "JsonRpcUrl"
)

// UnseenEvent is one entry of the HTTP unseen-events listing.
type UnseenEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  string `json:"data"`
}

// UnseenEventsResponse is the body of GET /events?unseen=true.
type UnseenEventsResponse struct {
	Events    []UnseenEvent `json:"events"`
	Timestamp int64         `json:"timestamp,omitempty"`
	Error     string        `json:"error,omitempty"`
}
