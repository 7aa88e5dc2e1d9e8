package types

const (
	APIBase           = "/api"
	EndpointSendText  = "/sendText"
	EndpointSendImage = "/sendImage"
	EndpointSendFile  = "/sendFile"
	EndpointSendVoice = "/sendVoice"
	EndpointSendVideo = "/sendVideo"
	EndpointSessions  = "/sessions"
	EndpointAuthQR    = "/auth/qr"
	EndpointWebsocket = "/ws"
)

// WAHA webhook and websocket event names
const (
	WAHAEventMessage       = "message"
	WAHAEventMessageAck    = "message.ack"
	WAHAEventSessionStatus = "session.status"
)

// WAHA session statuses
const (
	WAHAStatusStopped = "STOPPED"
	WAHAStatusScanQR  = "SCAN_QR_CODE"
	WAHAStatusWorking = "WORKING"
	WAHAStatusFailed  = "FAILED"
)

const (
	ChatSuffixUser  = "@c.us"
	ChatSuffixGroup = "@g.us"
)
